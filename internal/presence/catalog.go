package presence

import (
	"context"

	"github.com/pkg/errors"
)

// Product taxonomy domains.
const (
	DomainAircraft = 0
	DomainPayload  = 1
	DomainRemote   = 2
	DomainDock     = 3
)

// StaticCatalog resolves device metadata from a built-in table. Unknown
// classifications fail the lookup, which keeps onboarding retriable until
// the table learns the class.
type StaticCatalog struct {
	entries map[Classification]CatalogEntry
}

func NewStaticCatalog() *StaticCatalog {
	return &StaticCatalog{entries: map[Classification]CatalogEntry{
		{Domain: DomainDock, Type: 1, SubType: 0}:     {Name: "Dock", Icon: "icon/dock.png"},
		{Domain: DomainDock, Type: 2, SubType: 0}:     {Name: "Dock 2", Icon: "icon/dock2.png"},
		{Domain: DomainAircraft, Type: 67, SubType: 0}: {Name: "M30", Icon: "icon/m30.png"},
		{Domain: DomainAircraft, Type: 67, SubType: 1}: {Name: "M30T", Icon: "icon/m30t.png"},
		{Domain: DomainAircraft, Type: 77, SubType: 0}: {Name: "M3E", Icon: "icon/m3e.png"},
		{Domain: DomainAircraft, Type: 89, SubType: 0}: {Name: "M350", Icon: "icon/m350.png"},
		{Domain: DomainRemote, Type: 56, SubType: 0}:   {Name: "Remote Controller", Icon: "icon/rc.png"},
	}}
}

func (c *StaticCatalog) Describe(ctx context.Context, cl Classification) (*CatalogEntry, error) {
	entry, ok := c.entries[cl]
	if !ok {
		return nil, errors.Errorf("no catalog entry for domain=%d type=%d sub_type=%d",
			cl.Domain, cl.Type, cl.SubType)
	}
	return &entry, nil
}
