package types

// Config is the operator-facing configuration surface, loaded from the
// environment at startup. It configures the key manager only; per-field PII
// configuration and rotation policies are data, not configuration.
type Config struct {
	// MasterSecret is the operator-supplied secret the wrapping key is
	// derived from. Required in production mode.
	MasterSecret string `mapstructure:"master_secret"`

	// Production makes a missing master secret a fatal startup error
	// instead of a logged fallback to an insecure default.
	Production bool `mapstructure:"production"`

	// CatalogueDir is the directory the file-backed key catalogue lives in.
	CatalogueDir string `mapstructure:"catalogue_dir"`

	// RotationDBPath is the path of the rotation policy/schedule database.
	RotationDBPath string `mapstructure:"rotation_db_path"`

	// KDFIterations overrides the PBKDF2 iteration count. Values below the
	// enforced minimum are rejected.
	KDFIterations int `mapstructure:"kdf_iterations"`

	// SchedulerSpec is the cron spec driving the rotation scheduler.
	SchedulerSpec string `mapstructure:"scheduler_spec"`
}
