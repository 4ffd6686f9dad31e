package registry

import "codeberg.org/mutker/netsentry/internal/errors"

const (
	// Configuration
	ErrInvalidConfig = errors.ErrInvalidConfig
	ErrInvalidDBPath = errors.ErrorCode("registry_invalid_db_path")

	// Schema
	ErrSchemaInitFailed       = errors.ErrorCode("registry_schema_init_failed")
	ErrSchemaValidationFailed = errors.ErrorCode("registry_schema_validation_failed")
	ErrSchemaMigrationFailed  = errors.ErrorCode("registry_schema_migration_failed")
	ErrTransactionFailed      = errors.ErrorCode("registry_transaction_failed")

	// Storage
	ErrStorageAccess = errors.ErrorCode("registry_storage_access_failed")
	ErrStorageInit   = errors.ErrInitFailed
	ErrStorageClose  = errors.ErrShutdownFailed
	ErrInvalidRecord = errors.ErrorCode("registry_invalid_record")
	ErrDuplicate     = errors.ErrorCode("registry_duplicate_record")
)

// ErrNotFound matches any resource_not_found error returned by the store.
var ErrNotFound = errors.New().New(errors.ErrResourceNotFound)

func notFound(kind, id string) error {
	return errors.New().WithData(errors.ErrResourceNotFound, struct {
		Kind string
		ID   string
	}{Kind: kind, ID: id})
}

func accessErr(op string, err error) error {
	return errors.New().Wrap(ErrStorageAccess, err).WithData(struct {
		Op string
	}{Op: op})
}
