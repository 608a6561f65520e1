package audit

import _ "embed"

// EventSchemaJSON is the published JSON schema for exported audit events.
//
//go:embed event.schema.json
var EventSchemaJSON []byte
