package bulk

import (
	"context"
	"strings"

	"golang.org/x/sync/errgroup"
)

// SObjectSummary is one entry of the global describe.
type SObjectSummary struct {
	Name       string `json:"name"`
	Createable bool   `json:"createable"`
	Updateable bool   `json:"updateable"`
	Queryable  bool   `json:"queryable"`
	Deletable  bool   `json:"deletable"`
}

// FieldDescribe is the part of a field describe the engines consult.
type FieldDescribe struct {
	Name        string   `json:"name"`
	Type        string   `json:"type"`
	Createable  bool     `json:"createable"`
	Updateable  bool     `json:"updateable"`
	Nillable    bool     `json:"nillable"`
	ExternalID  bool     `json:"externalId"`
	IDLookup    bool     `json:"idLookup"`
	ReferenceTo []string `json:"referenceTo"`
}

// SObjectDescribe is the describe of one object.
type SObjectDescribe struct {
	Name   string          `json:"name"`
	Fields []FieldDescribe `json:"fields"`
}

// Field finds a field by case-insensitive name.
func (d *SObjectDescribe) Field(name string) (FieldDescribe, bool) {
	if d == nil {
		return FieldDescribe{}, false
	}
	for _, f := range d.Fields {
		if strings.EqualFold(f.Name, name) {
			return f, true
		}
	}
	return FieldDescribe{}, false
}

// FieldsOfType lists the names of fields of the given type ("date", "datetime").
func (d *SObjectDescribe) FieldsOfType(typ string) []string {
	if d == nil {
		return nil
	}
	var out []string
	for _, f := range d.Fields {
		if f.Type == typ {
			out = append(out, f.Name)
		}
	}
	return out
}

// Describer reads object schemas.
type Describer interface {
	DescribeGlobal(ctx context.Context) ([]SObjectSummary, error)
	Describe(ctx context.Context, sobject string) (*SObjectDescribe, error)
}

// Querier runs small synchronous queries (record types, person account ids).
type Querier interface {
	QueryAll(ctx context.Context, soql string) ([]map[string]any, error)
}

// Org is everything the engines need from a remote org.
type Org interface {
	Factory
	Describer
	Querier
}

// FindGlobal finds an object in a global describe by case-insensitive name.
func FindGlobal(objs []SObjectSummary, name string) (SObjectSummary, bool) {
	for _, o := range objs {
		if strings.EqualFold(o.Name, name) {
			return o, true
		}
	}
	return SObjectSummary{}, false
}

// describeConcurrency caps parallel describe calls.
const describeConcurrency = 8

// DescribeMany describes every object concurrently, in input order.
func DescribeMany(ctx context.Context, d Describer, sobjects []string) ([]*SObjectDescribe, error) {
	out := make([]*SObjectDescribe, len(sobjects))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(describeConcurrency)
	for i, name := range sobjects {
		g.Go(func() error {
			desc, err := d.Describe(ctx, name)
			if err != nil {
				return err
			}
			out[i] = desc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
