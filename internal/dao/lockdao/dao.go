package lockdao

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/savaki/ddb/v2"
)

const (
	lockSK       = "LOCK"
	lockTTLHours = 4 // Auto-expire locks after 4 hours
)

// TableName derives the locks table name for an environment.
func TableName(env string) string {
	return fmt.Sprintf("%s-itemstack--locks", env)
}

// PK represents the partition key: {Env}/{App}
type PK string

// NewPK creates a partition key from env and app
func NewPK(env, app string) PK {
	return PK(fmt.Sprintf("%s/%s", env, app))
}

// ParsePK parses a partition key into env and app components
func ParsePK(pk PK) (env, app string, err error) {
	s := string(pk)
	parts := strings.Split(s, "/")
	if len(parts) != 2 {
		return "", "", fmt.Errorf("invalid PK format: %s, expected {env}/{app}", s)
	}
	return parts[0], parts[1], nil
}

// String returns the string representation
func (pk PK) String() string {
	return string(pk)
}

// ID represents a lock ID in format {env}/{app}:LOCK
// Example: dev/itemstack:LOCK
// Note: SK is always "LOCK" so ID primarily identifies the env/app
type ID string

// NewID creates an ID from env and app
func NewID(env, app string) ID {
	pk := NewPK(env, app)
	return ID(fmt.Sprintf("%s:%s", pk, lockSK))
}

// ParseID parses an ID into env and app components
func ParseID(id ID) (env, app string, err error) {
	s := string(id)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return "", "", fmt.Errorf("invalid ID format: %s, expected {env}/{app}:LOCK", s)
	}

	// Verify SK is LOCK
	if parts[1] != lockSK {
		return "", "", fmt.Errorf("invalid ID format: %s, expected SK to be 'LOCK', got '%s'", s, parts[1])
	}

	// Parse PK part
	pkParts := strings.Split(parts[0], "/")
	if len(pkParts) != 2 {
		return "", "", fmt.Errorf("invalid PK in ID: %s, expected {env}/{app}", parts[0])
	}

	return pkParts[0], pkParts[1], nil
}

// String returns the string representation
func (id ID) String() string {
	return string(id)
}

// Record represents a deployment lock
type Record struct {
	PK         PK     `ddb:"hash" dynamodbav:"pk"`  // {Env}/{App}
	SK         string `ddb:"range" dynamodbav:"sk"` // Always "LOCK"
	DeployID   string `dynamodbav:"deploy_id"`      // KSUID of the deployment holding the lock
	StackName  string `dynamodbav:"stack_name"`     // CloudFormation stack being provisioned
	AcquiredAt int64  `dynamodbav:"acquired_at"`    // Unix timestamp when lock was acquired
	TTL        int64  `dynamodbav:"ttl"`            // Unix timestamp for DynamoDB TTL expiry
}

// GetID returns the ID for this record
func (r *Record) GetID() ID {
	env, app, _ := ParsePK(r.PK)
	return NewID(env, app)
}

// AcquireInput contains fields for acquiring a deployment lock
type AcquireInput struct {
	Env       string // Environment
	App       string // Application
	DeployID  string // Deployment KSUID
	StackName string // CloudFormation stack name
}

// ReleaseInput contains fields for releasing a deployment lock
type ReleaseInput struct {
	ID       ID     // Lock ID
	DeployID string // Deployment KSUID (must match lock holder)
}

// DAO provides data access operations for deployment locks
type DAO struct {
	db    *ddb.DDB
	table *ddb.Table
}

// New creates a new DAO instance
func New(client *dynamodb.Client, tableName string) *DAO {
	db := ddb.New(client)
	table := db.MustTable(tableName, &Record{})
	return &DAO{
		db:    db,
		table: table,
	}
}

// Acquire attempts to acquire a deployment lock
// Returns the lock record and true if acquired. On conflict the holder's
// record is returned with false so callers can report who owns the lock.
func (d *DAO) Acquire(ctx context.Context, input AcquireInput) (*Record, bool, error) {
	id := NewID(input.Env, input.App)

	// Check if lock already exists
	existing, err := d.Find(ctx, id)
	if err != nil {
		return nil, false, fmt.Errorf("failed to check existing lock: %w", err)
	}

	if existing != nil {
		// Lock is held by another deployment (or same deployment on retry)
		if existing.DeployID == input.DeployID {
			// Same deployment already holds the lock (retry scenario)
			return existing, true, nil
		}
		// Different deployment holds the lock
		return existing, false, nil
	}

	// No lock exists, create it
	now := time.Now().Unix()
	ttl := now + (lockTTLHours * 3600)

	pk := NewPK(input.Env, input.App)
	record := &Record{
		PK:         pk,
		SK:         lockSK,
		DeployID:   input.DeployID,
		StackName:  input.StackName,
		AcquiredAt: now,
		TTL:        ttl,
	}

	err = d.table.Put(record).RunWithContext(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create lock: %w", err)
	}

	return record, true, nil
}

// Find retrieves a lock record by ID
// Returns nil if not found
func (d *DAO) Find(ctx context.Context, id ID) (*Record, error) {
	env, app, err := ParseID(id)
	if err != nil {
		return nil, err
	}

	pk := NewPK(env, app)
	var record Record

	err = d.table.Get(pk.String()).
		Range(lockSK).
		ConsistentRead(true).
		ScanWithContext(ctx, &record)
	if err != nil {
		errStr := err.Error()
		if strings.Contains(errStr, "item not found") || strings.Contains(errStr, "ItemNotFound") {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get lock: %w", err)
	}

	if record.PK == "" && record.SK == "" {
		return nil, nil
	}

	return &record, nil
}

// Release releases a deployment lock
// Only succeeds if the lock is held by the specified deployment (prevents unauthorized releases)
func (d *DAO) Release(ctx context.Context, input ReleaseInput) error {
	env, app, err := ParseID(input.ID)
	if err != nil {
		return err
	}

	// Verify lock is held by this deployment before releasing
	existing, err := d.Find(ctx, input.ID)
	if err != nil {
		return fmt.Errorf("failed to check lock: %w", err)
	}

	if existing == nil {
		// No lock exists (already released or expired)
		return nil
	}

	if existing.DeployID != input.DeployID {
		return fmt.Errorf("lock not held by deployment %s (held by %s)", input.DeployID, existing.DeployID)
	}

	// Delete the lock
	pk := NewPK(env, app)
	err = d.table.Delete(pk.String()).
		Range(lockSK).
		RunWithContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to delete lock: %w", err)
	}

	return nil
}

// Delete removes a lock record regardless of who holds it
// Use with caution - only for cleanup/recovery scenarios
func (d *DAO) Delete(ctx context.Context, id ID) error {
	env, app, err := ParseID(id)
	if err != nil {
		return err
	}

	pk := NewPK(env, app)

	err = d.table.Delete(pk.String()).
		Range(lockSK).
		RunWithContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to delete lock: %w", err)
	}

	return nil
}
