// Package salesforce implements the remote side of the bulk data engines
// against a Salesforce org: REST queries and sObject Collections, the Bulk
// API (v1, CSV), and describes.
package salesforce

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"cci/internal/bulk"
	"cci/internal/httpclient"
	"cci/internal/logging"
)

// DefaultAPIVersion is used when Config.APIVersion is empty.
const DefaultAPIVersion = "62.0"

// DefaultSmartThreshold is the record count above which the smart API
// switches from REST to the Bulk API.
const DefaultSmartThreshold = 2000

// Config configures a Client.
type Config struct {
	InstanceURL string
	AccessToken string
	APIVersion  string
	RateLimit   float64
	MaxRetries  int
	Transport   http.RoundTripper
	Logger      *slog.Logger

	// PollInterval between Bulk API status checks (default 5s).
	PollInterval time.Duration
	// SmartThreshold, see DefaultSmartThreshold.
	SmartThreshold int
}

// Client talks to one org. It implements bulk.Org.
type Client struct {
	cfg       Config
	http      *httpclient.Client
	log       *slog.Logger
	describes *DescribeCache
}

var _ bulk.Org = (*Client)(nil)

// New builds a Client.
func New(cfg Config) *Client {
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultAPIVersion
	}
	cfg.APIVersion = strings.TrimPrefix(cfg.APIVersion, "v")
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.SmartThreshold == 0 {
		cfg.SmartThreshold = DefaultSmartThreshold
	}
	c := &Client{
		cfg: cfg,
		log: logging.OrDiscard(cfg.Logger),
		http: httpclient.New(httpclient.Config{
			Service:    "salesforce",
			BaseURL:    strings.TrimSuffix(cfg.InstanceURL, "/"),
			Token:      cfg.AccessToken,
			RateLimit:  cfg.RateLimit,
			MaxRetries: cfg.MaxRetries,
			Transport:  cfg.Transport,
			Logger:     cfg.Logger,
		}),
	}
	c.describes = NewDescribeCache(c)
	return c
}

// Describes is the describe cache of this client.
func (c *Client) Describes() *DescribeCache { return c.describes }

func (c *Client) dataPath(rest string) string {
	return fmt.Sprintf("/services/data/v%s/%s", c.cfg.APIVersion, strings.TrimPrefix(rest, "/"))
}

func (c *Client) asyncPath(rest string) string {
	return fmt.Sprintf("/services/async/%s/%s", c.cfg.APIVersion, strings.TrimPrefix(rest, "/"))
}

// do sends body as JSON when it is non-nil.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any) (*httpclient.Response, error) {
	if body == nil {
		return c.http.Do(ctx, &httpclient.Request{Method: method, Path: path, Query: query})
	}
	return c.http.SendJSON(ctx, method, path, query, body)
}

// Recoverable reports whether err is worth retrying as smaller requests:
// timeouts, broken connections, rate limiting and server errors.
func Recoverable(err error) bool {
	if err == nil {
		return false
	}
	var he *httpclient.HTTPError
	if errors.As(err, &he) {
		return he.Retryable()
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	var oe *net.OpError
	return errors.As(err, &oe)
}

type apiErrorBody struct {
	Message   string   `json:"message"`
	ErrorCode string   `json:"errorCode"`
	Fields    []string `json:"fields"`

	// StatusCode replaces ErrorCode in sObject Collections results.
	StatusCode string `json:"statusCode"`
}

func (e apiErrorBody) code() string {
	if e.ErrorCode != "" {
		return e.ErrorCode
	}
	return e.StatusCode
}

// Summarize renders err for humans. JSON API errors become "CODE: message";
// HTML error pages (maintenance, proxies) become their title and text.
func Summarize(err error) string {
	var he *httpclient.HTTPError
	if !errors.As(err, &he) {
		return err.Error()
	}
	if s := summarizeBody(he.Body, he.Header.Get("Content-Type")); s != "" {
		return fmt.Sprintf("HTTP %d: %s", he.StatusCode, s)
	}
	return he.Error()
}

func summarizeBody(body []byte, contentType string) string {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return ""
	}
	if strings.Contains(contentType, "html") || bytes.HasPrefix(trimmed, []byte("<")) && !bytes.HasPrefix(trimmed, []byte("<?xml")) {
		doc, err := goquery.NewDocumentFromReader(bytes.NewReader(trimmed))
		if err != nil {
			return ""
		}
		title := strings.TrimSpace(doc.Find("title").First().Text())
		text := strings.Join(strings.Fields(doc.Find("body").Text()), " ")
		if len(text) > 200 {
			text = text[:200] + "..."
		}
		switch {
		case title != "" && text != "":
			return title + ": " + text
		case title != "":
			return title
		default:
			return text
		}
	}

	var errs []apiErrorBody
	if json.Unmarshal(trimmed, &errs) == nil && len(errs) > 0 {
		parts := make([]string, 0, len(errs))
		for _, e := range errs {
			parts = append(parts, e.code()+": "+e.Message)
		}
		return strings.Join(parts, "; ")
	}
	return ""
}
