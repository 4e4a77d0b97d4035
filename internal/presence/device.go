package presence

import "context"

// Classification places a device in the product taxonomy.
type Classification struct {
	Domain  int `json:"domain"`
	Type    int `json:"type"`
	SubType int `json:"sub_type"`
}

// Device is the topology record for one serial.
type Device struct {
	SN             string         `json:"sn"`
	Classification Classification `json:"classification"`
	ParentSN       string         `json:"parent_sn,omitempty"`
	ChildSN        string         `json:"child_sn,omitempty"`
	Name           string         `json:"name,omitempty"`
	Icon           string         `json:"icon,omitempty"`
}

// DeviceRepository is the durable side of the topology. The registry only
// needs upsert and parent linkage.
type DeviceRepository interface {
	Upsert(ctx context.Context, d *Device) error
	// Parent returns the gateway currently linked to the child, or "".
	Parent(ctx context.Context, childSN string) (string, error)
	// SetParent links the child to a gateway; gatewaySN "" clears the link.
	SetParent(ctx context.Context, childSN, gatewaySN string) error
}

// CatalogEntry is the default metadata for a device class.
type CatalogEntry struct {
	Name string
	Icon string
}

// DeviceCatalog resolves default metadata for a classification. It is an
// external collaborator; lookup failure aborts onboarding.
type DeviceCatalog interface {
	Describe(ctx context.Context, c Classification) (*CatalogEntry, error)
}

// AuthorityCache forgets cached control-authority records when a device
// drops offline.
type AuthorityCache interface {
	Forget(sn string)
}
