package types

import "fmt"

// PIIFieldConfig flags a database column as containing personally
// identifiable information. The registry is consulted on every field
// encrypt/decrypt call to resolve the owning key identifier.
type PIIFieldConfig struct {
	TableName            string `json:"tableName"`
	FieldName            string `json:"fieldName"`
	Required             bool   `json:"required"`
	RotationIntervalDays int    `json:"rotationIntervalDays"`
}

// KeyId derives the key identifier a field's values are encrypted under.
func (c PIIFieldConfig) KeyId() string {
	return fmt.Sprintf("%s_%s_key", c.TableName, c.FieldName)
}
