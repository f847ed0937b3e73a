package salesforce

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"cci/internal/bulk"
)

// DescribeGlobal lists the objects of the org.
func (c *Client) DescribeGlobal(ctx context.Context) ([]bulk.SObjectSummary, error) {
	resp, err := c.http.Get(ctx, c.dataPath("sobjects/"), nil)
	if err != nil {
		return nil, fmt.Errorf("salesforce: describe global: %s", Summarize(err))
	}
	var body struct {
		SObjects []bulk.SObjectSummary `json:"sobjects"`
	}
	if err := resp.JSON(&body); err != nil {
		return nil, err
	}
	return body.SObjects, nil
}

// Describe fetches one object's describe, bypassing the cache.
func (c *Client) Describe(ctx context.Context, sobject string) (*bulk.SObjectDescribe, error) {
	resp, err := c.http.Get(ctx, c.dataPath("sobjects/"+url.PathEscape(sobject)+"/describe"), nil)
	if err != nil {
		return nil, fmt.Errorf("salesforce: describe %s: %s", sobject, Summarize(err))
	}
	var d bulk.SObjectDescribe
	if err := resp.JSON(&d); err != nil {
		return nil, err
	}
	return &d, nil
}

// DescribeCache memoises describes for the lifetime of one run. Refresh
// forgets everything so stale metadata can be dropped before a decision
// that depends on it.
type DescribeCache struct {
	src bulk.Describer

	mu      sync.Mutex
	global  []bulk.SObjectSummary
	objects map[string]*bulk.SObjectDescribe
}

// NewDescribeCache caches describes read from src.
func NewDescribeCache(src bulk.Describer) *DescribeCache {
	return &DescribeCache{src: src, objects: map[string]*bulk.SObjectDescribe{}}
}

// Refresh drops every cached describe.
func (d *DescribeCache) Refresh() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.global = nil
	d.objects = map[string]*bulk.SObjectDescribe{}
}

func (d *DescribeCache) DescribeGlobal(ctx context.Context) ([]bulk.SObjectSummary, error) {
	d.mu.Lock()
	cached := d.global
	d.mu.Unlock()
	if cached != nil {
		return cached, nil
	}
	g, err := d.src.DescribeGlobal(ctx)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.global = g
	d.mu.Unlock()
	return g, nil
}

func (d *DescribeCache) Describe(ctx context.Context, sobject string) (*bulk.SObjectDescribe, error) {
	key := strings.ToLower(sobject)
	d.mu.Lock()
	cached := d.objects[key]
	d.mu.Unlock()
	if cached != nil {
		return cached, nil
	}
	desc, err := d.src.Describe(ctx, sobject)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.objects[key] = desc
	d.mu.Unlock()
	return desc, nil
}

// IsPersonAccountsEnabled reports whether Account has IsPersonAccount.
func IsPersonAccountsEnabled(ctx context.Context, d bulk.Describer) (bool, error) {
	desc, err := d.Describe(ctx, "Account")
	if err != nil {
		return false, err
	}
	_, ok := desc.Field("IsPersonAccount")
	return ok, nil
}
