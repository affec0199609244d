package subscription

import (
	"encoding/json"
	"time"
)

const (
	MetaCollectionID        = "collection_id"
	MetaPaymentID           = "payment_id"
	MetaPreferenceID        = "preference_id"
	MetaPaymentType         = "payment_type"
	MetaSiteID              = "site_id"
	MetaLastSyncAt          = "last_sync_at"
	MetaCreatedFromSync     = "created_from_sync"
	MetaLastProviderEventAt = "last_provider_event_at"
)

// Metadata holds the provider identifiers the engine reads, plus any other keys
// written by other components. It is stored as a single flat JSONB object.
type Metadata struct {
	CollectionID        string
	PaymentID           string
	PreferenceID        string
	PaymentType         string
	SiteID              string
	LastSyncAt          *time.Time
	CreatedFromSync     bool
	LastProviderEventAt *time.Time
	Extra               map[string]any
}

// Merge copies every non-empty field of other into m. Keys already in m are
// never dropped.
func (m Metadata) Merge(other Metadata) Metadata {
	out := m
	if other.CollectionID != "" {
		out.CollectionID = other.CollectionID
	}
	if other.PaymentID != "" {
		out.PaymentID = other.PaymentID
	}
	if other.PreferenceID != "" {
		out.PreferenceID = other.PreferenceID
	}
	if other.PaymentType != "" {
		out.PaymentType = other.PaymentType
	}
	if other.SiteID != "" {
		out.SiteID = other.SiteID
	}
	if other.LastSyncAt != nil {
		out.LastSyncAt = other.LastSyncAt
	}
	if other.CreatedFromSync {
		out.CreatedFromSync = true
	}
	if other.LastProviderEventAt != nil {
		out.LastProviderEventAt = other.LastProviderEventAt
	}

	if len(m.Extra) > 0 || len(other.Extra) > 0 {
		out.Extra = make(map[string]any, len(m.Extra)+len(other.Extra))
		for k, v := range m.Extra {
			out.Extra[k] = v
		}
		for k, v := range other.Extra {
			out.Extra[k] = v
		}
	}
	return out
}

func (m Metadata) MarshalJSON() ([]byte, error) {
	raw := make(map[string]any, len(m.Extra)+8)
	for k, v := range m.Extra {
		raw[k] = v
	}
	putString(raw, MetaCollectionID, m.CollectionID)
	putString(raw, MetaPaymentID, m.PaymentID)
	putString(raw, MetaPreferenceID, m.PreferenceID)
	putString(raw, MetaPaymentType, m.PaymentType)
	putString(raw, MetaSiteID, m.SiteID)
	if m.LastSyncAt != nil {
		raw[MetaLastSyncAt] = m.LastSyncAt.UTC().Format(time.RFC3339Nano)
	}
	if m.CreatedFromSync {
		raw[MetaCreatedFromSync] = true
	}
	if m.LastProviderEventAt != nil {
		raw[MetaLastProviderEventAt] = m.LastProviderEventAt.UTC().Format(time.RFC3339Nano)
	}
	return json.Marshal(raw)
}

func (m *Metadata) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*m = Metadata{}
	for k, v := range raw {
		switch k {
		case MetaCollectionID:
			m.CollectionID = stringValue(v)
		case MetaPaymentID:
			m.PaymentID = stringValue(v)
		case MetaPreferenceID:
			m.PreferenceID = stringValue(v)
		case MetaPaymentType:
			m.PaymentType = stringValue(v)
		case MetaSiteID:
			m.SiteID = stringValue(v)
		case MetaLastSyncAt:
			m.LastSyncAt = timeValue(v)
		case MetaCreatedFromSync:
			b, _ := v.(bool)
			m.CreatedFromSync = b
		case MetaLastProviderEventAt:
			m.LastProviderEventAt = timeValue(v)
		default:
			if m.Extra == nil {
				m.Extra = make(map[string]any)
			}
			m.Extra[k] = v
		}
	}
	return nil
}

// CustomerData is the payer information captured at checkout or sync time.
type CustomerData struct {
	Email string
	Name  string
	Phone string
	Extra map[string]any
}

func (c CustomerData) MarshalJSON() ([]byte, error) {
	raw := make(map[string]any, len(c.Extra)+3)
	for k, v := range c.Extra {
		raw[k] = v
	}
	putString(raw, "email", c.Email)
	putString(raw, "name", c.Name)
	putString(raw, "phone", c.Phone)
	return json.Marshal(raw)
}

func (c *CustomerData) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*c = CustomerData{}
	for k, v := range raw {
		switch k {
		case "email":
			c.Email = stringValue(v)
		case "name":
			c.Name = stringValue(v)
		case "phone":
			c.Phone = stringValue(v)
		default:
			if c.Extra == nil {
				c.Extra = make(map[string]any)
			}
			c.Extra[k] = v
		}
	}
	return nil
}

func putString(raw map[string]any, key, value string) {
	if value != "" {
		raw[key] = value
	}
}

// stringValue accepts numeric ids too; providers are not consistent about it.
func stringValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		b, _ := json.Marshal(t)
		return string(b)
	case json.Number:
		return t.String()
	default:
		return ""
	}
}

func timeValue(v any) *time.Time {
	s, ok := v.(string)
	if !ok || s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil
	}
	return &t
}
