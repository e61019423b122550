package validator

import _ "embed"

//go:embed schemas/workflow-definition-v2.2.0.json
var workflowSchemaJSON []byte

//go:embed schemas/skill-manifest-v2.0.0.json
var manifestSchemaJSON []byte
