package envelope

import "fmt"

// ValidationError is a single structural failure, keyed by field so
// callers (and tests) can assert on a specific violation rather than a
// whole error string.
type ValidationError struct {
	Field   string
	Code    string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Field, e.Message, e.Code)
}

// ValidationResult is fail-closed: Valid is true only if Errors is empty.
type ValidationResult struct {
	Valid  bool
	Errors []ValidationError
}

func (r *ValidationResult) addError(field, code, message string) {
	r.Valid = false
	r.Errors = append(r.Errors, ValidationError{Field: field, Code: code, Message: message})
}

// FirstError returns the first validation error, or nil if Valid.
func (r *ValidationResult) FirstError() error {
	if len(r.Errors) == 0 {
		return nil
	}
	return r.Errors[0]
}

var validPrincipalTypes = map[PrincipalType]bool{
	PrincipalUser:    true,
	PrincipalService: true,
	PrincipalAgent:   true,
	PrincipalSystem:  true,
}

// Validate performs the structural checks of §3.1/§3.5: every persisted
// record must have non-empty (tenant, workspace, security_context);
// unknown type namespaces and missing idempotency keys are contract
// violations per §7's error taxonomy.
func Validate(e *Envelope) *ValidationResult {
	result := &ValidationResult{Valid: true}

	if e.MessageID == "" {
		result.addError("message_id", "REQUIRED", "message_id is required")
	}
	if e.Type == "" {
		result.addError("type", "REQUIRED", "type is required")
	} else if !e.KnownNamespace() {
		result.addError("type", "UNKNOWN_NAMESPACE",
			fmt.Sprintf("type %q does not carry a recognized cmd./evt./qry./res. prefix", e.Type))
	}
	if e.Tenant == "" {
		result.addError("tenant", "REQUIRED", "tenant is required")
	}
	if e.Workspace == "" {
		result.addError("workspace", "REQUIRED", "workspace is required")
	}
	if e.IdempotencyKey == "" {
		result.addError("idempotency_key", "REQUIRED", "idempotency_key is required")
	}

	if e.SecurityContext.PrincipalID == "" {
		result.addError("security_context.principal_id", "REQUIRED", "principal_id is required")
	}
	if !validPrincipalTypes[e.SecurityContext.PrincipalType] {
		result.addError("security_context.principal_type", "INVALID_VALUE",
			fmt.Sprintf("invalid principal_type %q", e.SecurityContext.PrincipalType))
	}

	if e.SchemaVersion != "" && e.SchemaVersion != SchemaVersion {
		result.addError("schema_version", "UNSUPPORTED",
			fmt.Sprintf("unsupported schema_version %q, expected %q", e.SchemaVersion, SchemaVersion))
	}

	return result
}

// IsContractViolation reports whether a ValidationResult represents a
// malformed-envelope contract violation rather than a scope mismatch —
// used by the engine to pick the right §7 error kind and audit code.
func (r *ValidationResult) IsContractViolation() bool {
	return !r.Valid
}
