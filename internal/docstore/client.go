// Package docstore stores violation records in a Firestore collection over
// the Firestore REST API.
package docstore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/banshee-data/redlight/internal/classify"
	"github.com/banshee-data/redlight/internal/httputil"
	"github.com/banshee-data/redlight/internal/monitoring"
	"github.com/banshee-data/redlight/internal/traffic"
)

const (
	DefaultBaseURL    = "https://firestore.googleapis.com/v1"
	DefaultDatabase   = "(default)"
	DefaultCollection = "violations"
)

// Options configures a Client.
type Options struct {
	BaseURL    string
	Project    string
	Database   string
	Collection string
	// Token is sent as a bearer token when set.
	Token string
	// Location is used to rebuild capture times from the stored date and
	// time strings. Defaults to time.Local.
	Location *time.Location
}

// Client is a violation store backed by a Firestore collection.
type Client struct {
	http httputil.HTTPClient
	opts Options
}

// New returns a Client. A nil client selects http.DefaultClient.
func New(client httputil.HTTPClient, opts Options) (*Client, error) {
	if opts.Project == "" {
		return nil, errors.New("docstore: project is required")
	}
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.Database == "" {
		opts.Database = DefaultDatabase
	}
	if opts.Collection == "" {
		opts.Collection = DefaultCollection
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Client{http: client, opts: opts}, nil
}

func (c *Client) documentsURL() string {
	return fmt.Sprintf("%s/projects/%s/databases/%s/documents",
		c.opts.BaseURL, url.PathEscape(c.opts.Project), url.PathEscape(c.opts.Database))
}

func (c *Client) header() http.Header {
	h := http.Header{}
	if c.opts.Token != "" {
		h.Set("Authorization", "Bearer "+c.opts.Token)
	}
	return h
}

type value struct {
	StringValue *string `json:"stringValue,omitempty"`
}

func str(s string) value { return value{StringValue: &s} }

type document struct {
	Name   string           `json:"name,omitempty"`
	Fields map[string]value `json:"fields"`
}

func (d document) get(field string) string {
	if v, ok := d.Fields[field]; ok && v.StringValue != nil {
		return *v.StringValue
	}
	return ""
}

// AddViolation creates a document with an auto-generated id.
func (c *Client) AddViolation(ctx context.Context, v traffic.Violation) error {
	doc := document{Fields: map[string]value{
		"color":          str(string(v.Color)),
		"date":           str(v.Date()),
		"time":           str(v.Clock()),
		"image_filename": str(v.Image),
	}}
	target := c.documentsURL() + "/" + url.PathEscape(c.opts.Collection)
	var created document
	if err := httputil.DoJSON(ctx, c.http, http.MethodPost, target, c.header(), doc, &created); err != nil {
		return fmt.Errorf("docstore: add violation: %w", err)
	}
	return nil
}

type fieldRef struct {
	FieldPath string `json:"fieldPath"`
}

type order struct {
	Field     fieldRef `json:"field"`
	Direction string   `json:"direction"`
}

type structuredQuery struct {
	From []struct {
		CollectionID string `json:"collectionId"`
	} `json:"from"`
	OrderBy []order `json:"orderBy"`
	Limit   int     `json:"limit"`
}

type runQueryRequest struct {
	StructuredQuery structuredQuery `json:"structuredQuery"`
}

type runQueryResult struct {
	Document *document `json:"document,omitempty"`
}

// RecentViolations returns up to n documents ordered by date then time,
// newest first. Documents whose date or time do not parse are skipped.
func (c *Client) RecentViolations(ctx context.Context, n int) ([]traffic.Violation, error) {
	var q runQueryRequest
	q.StructuredQuery.From = append(q.StructuredQuery.From, struct {
		CollectionID string `json:"collectionId"`
	}{CollectionID: c.opts.Collection})
	q.StructuredQuery.OrderBy = []order{
		{Field: fieldRef{FieldPath: "date"}, Direction: "DESCENDING"},
		{Field: fieldRef{FieldPath: "time"}, Direction: "DESCENDING"},
	}
	q.StructuredQuery.Limit = n

	var results []runQueryResult
	if err := httputil.DoJSON(ctx, c.http, http.MethodPost, c.documentsURL()+":runQuery", c.header(), q, &results); err != nil {
		return nil, fmt.Errorf("docstore: query violations: %w", err)
	}

	out := make([]traffic.Violation, 0, len(results))
	for _, r := range results {
		if r.Document == nil {
			continue
		}
		d := *r.Document
		at, err := time.ParseInLocation(traffic.DateLayout+" "+traffic.TimeLayout, d.get("date")+" "+d.get("time"), c.opts.Location)
		if err != nil {
			monitoring.Logf("docstore: skipping %s: %v", d.Name, err)
			continue
		}
		out = append(out, traffic.Violation{
			CapturedAt: at,
			Color:      classify.Label(d.get("color")),
			Image:      d.get("image_filename"),
		})
	}
	return out, nil
}
