package metadata

import (
	"fmt"
	"strings"

	"github.com/l0p7/cdsgate/internal/registry"
)

// Partition names one independently cached status map.
type Partition string

const (
	// DataRecipients holds data recipient (legal entity) statuses.
	DataRecipients Partition = "DR"
	// SoftwareProducts holds software product statuses.
	SoftwareProducts Partition = "SP"
)

// Partitions lists every partition in refresh order.
var Partitions = []Partition{DataRecipients, SoftwareProducts}

// ParsePartition accepts the short names case-insensitively.
func ParsePartition(raw string) (Partition, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case string(DataRecipients):
		return DataRecipients, nil
	case string(SoftwareProducts):
		return SoftwareProducts, nil
	default:
		return "", fmt.Errorf("metadata: unknown partition %q", raw)
	}
}

func (p Partition) kind() registry.Kind {
	if p == SoftwareProducts {
		return registry.SoftwareProducts
	}
	return registry.DataRecipients
}

// Status is an accreditation status reported by the Register.
type Status string

const (
	Active      Status = "Active"
	Suspended   Status = "Suspended"
	Revoked     Status = "Revoked"
	Surrendered Status = "Surrendered"
)

var known = map[string]Status{
	"active":      Active,
	"suspended":   Suspended,
	"revoked":     Revoked,
	"surrendered": Surrendered,
}

// ParseStatus maps the Register's spelling (ACTIVE, active, ...) onto the known
// statuses. Anything else is kept verbatim.
func ParseStatus(raw string) Status {
	trimmed := strings.TrimSpace(raw)
	if s, ok := known[strings.ToLower(trimmed)]; ok {
		return s
	}
	return Status(trimmed)
}

// Known reports whether s is one of the enumerated statuses.
func (s Status) Known() bool {
	switch s {
	case Active, Suspended, Revoked, Surrendered:
		return true
	}
	return false
}

// IsActive is true only for Active; unknown statuses are not active.
func (s Status) IsActive() bool { return s == Active }
