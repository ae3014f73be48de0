package deploydao

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/savaki/ddb/v2"
	"github.com/savaki/gox/slicex"
)

const latest = "latest"

// App is the application name recorded with every deployment. There is one
// stack per environment, so the partition key is {app}/{env}.
const App = "itemstack"

// TableName derives the deployments table name for an environment.
func TableName(env string) string {
	return fmt.Sprintf("%s-itemstack--deployments", env)
}

// PK represents a DynamoDB partition key in format {app}/{env}
// Example: itemstack/dev
type PK string

// NewPK creates a new partition key from app and env
func NewPK(app, env string) PK {
	return PK(fmt.Sprintf("%s/%s", app, env))
}

// ParsePK parses a partition key into its app and env components
func ParsePK(pk PK) (app, env string, err error) {
	s := string(pk)
	parts := strings.Split(s, "/")
	if len(parts) != 2 {
		return "", "", fmt.Errorf("invalid PK format: %s, expected {app}/{env}", s)
	}
	return parts[0], parts[1], nil
}

// String returns the string representation of the partition key
func (pk PK) String() string {
	return string(pk)
}

// ID represents a deployment ID in format {app}/{env}:{ksuid}
// Example: itemstack/dev:2HFj3kLmNoPqRsTuVwXy
type ID string

func (id ID) String() string {
	return string(id)
}

// ParseID parses a deployment ID into its partition key (pk) and sort key (sk) components
func ParseID(id ID) (pk PK, sk string, err error) {
	s := string(id)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return "", "", fmt.Errorf("invalid deployment ID format: %s, expected {app}/{env}:{ksuid}", s)
	}
	return PK(parts[0]), parts[1], nil
}

// NewID constructs an ID from partition key and sort key
func NewID(pk PK, sk string) ID {
	return ID(fmt.Sprintf("%s:%s", pk, sk))
}

// DeployStatus represents the current status of a deployment
type DeployStatus string

const (
	DeployStatusPending    DeployStatus = "PENDING"
	DeployStatusInProgress DeployStatus = "IN_PROGRESS"
	DeployStatusSuccess    DeployStatus = "SUCCESS"
	DeployStatusFailed     DeployStatus = "FAILED"
)

// Record represents a deployment record in DynamoDB
type Record struct {
	PK          PK                `ddb:"hash" dynamodbav:"pk"`          // {app}/{env} - DynamoDB partition key
	SK          string            `ddb:"range" dynamodbav:"sk"`         // KSUID - DynamoDB sort key
	ID          ID                `dynamodbav:"id,omitempty"`           // ID is only used for latest entries
	App         string            `dynamodbav:"app,omitempty"`          // Application name
	Env         string            `dynamodbav:"env,omitempty"`          // Environment name (dev, test, prod)
	Status      DeployStatus      `dynamodbav:"status,omitempty"`       // Deployment status
	StackName   string            `dynamodbav:"stack_name,omitempty"`   // CloudFormation stack name
	StackID     *string           `dynamodbav:"stack_id,omitempty"`     // CloudFormation stack id, set once provisioning starts
	TemplateURL string            `dynamodbav:"template_url,omitempty"` // S3 location of the rendered template
	CodeKey     string            `dynamodbav:"code_key,omitempty"`     // S3 key of the API function bundle
	Warnings    []string          `dynamodbav:"warnings,omitempty"`     // Policy warnings recorded at validation time
	Outputs     map[string]string `dynamodbav:"outputs,omitempty"`      // Stack outputs recorded on success
	ErrorMsg    *string           `dynamodbav:"error_msg,omitempty"`    // Failure reason for FAILED deployments
	CreatedAt   int64             `dynamodbav:"created_at,omitempty"`   // Unix epoch timestamp of creation
	FinishedAt  *int64            `dynamodbav:"finished_at,omitempty"`  // Unix epoch timestamp of completion
	UpdatedAt   int64             `dynamodbav:"updated_at,omitempty"`   // Unix epoch timestamp of last update
}

// GetID returns the full deployment ID in format: {app}/{env}:{ksuid}
func (r *Record) GetID() ID {
	if r.ID != "" {
		return r.ID
	}
	return NewID(r.PK, r.SK)
}

// GetID returns the deployment ID for a record. The package-level form
// exists so it can be passed to slicex.Map.
func GetID(r Record) ID {
	return r.GetID()
}

// CreateInput contains the fields needed to create a new deployment record
type CreateInput struct {
	App         string   // Application name
	Env         string   // Environment (dev, test, prod)
	SK          string   // KSUID sort key
	StackName   string   // CloudFormation stack name
	TemplateURL string   // S3 location of the rendered template
	CodeKey     string   // S3 key of the API function bundle
	Warnings    []string // Policy warnings recorded at validation time
}

// UpdateInput contains the fields that can be updated on a deployment record
type UpdateInput struct {
	PK       PK                // Partition key (app/env)
	SK       string            // Sort key (KSUID)
	Status   *DeployStatus     // New status
	ErrorMsg *string           // Error message (optional)
	Outputs  map[string]string // Stack outputs (optional, recorded on success)
}

// DAO provides data access operations for deployment records
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

// Create creates a new deployment record with initial status PENDING
func (d *DAO) Create(ctx context.Context, input CreateInput) (Record, error) {
	pk := NewPK(input.App, input.Env)
	now := time.Now().Unix()

	record := Record{
		PK:          pk,
		SK:          input.SK,
		App:         input.App,
		Env:         input.Env,
		Status:      DeployStatusPending,
		StackName:   input.StackName,
		TemplateURL: input.TemplateURL,
		CodeKey:     input.CodeKey,
		Warnings:    input.Warnings,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err := d.table.Put(&record).RunWithContext(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("failed to create deployment record: %w", err)
	}

	return record, nil
}

// Find retrieves a deployment record by ID
// Returns an error if not found or if there's a database error
func (d *DAO) Find(ctx context.Context, id ID) (Record, error) {
	pk, sk, err := ParseID(id)
	if err != nil {
		return Record{}, err
	}

	var record Record

	err = d.table.Get(pk.String()).
		Range(sk).
		ConsistentRead(true).
		ScanWithContext(ctx, &record)
	if err != nil {
		// Check if it's a "not found" error
		errStr := err.Error()
		if strings.Contains(errStr, "item not found") || strings.Contains(errStr, "ItemNotFound") {
			return Record{}, fmt.Errorf("deployment record not found: %s", id)
		}
		return Record{}, fmt.Errorf("failed to find deployment record: %w", err)
	}

	// If all fields are empty, item doesn't exist
	if record.PK == "" && record.SK == "" {
		return Record{}, fmt.Errorf("deployment record not found: %s", id)
	}

	return record, nil
}

// Delete removes a deployment record by ID
func (d *DAO) Delete(ctx context.Context, id ID) error {
	pk, sk, err := ParseID(id)
	if err != nil {
		return err
	}

	err = d.table.Delete(pk).
		Range(sk).
		RunWithContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to delete deployment record: %w", err)
	}

	return nil
}

// UpdateStatus updates the status of a deployment record and creates/updates a "latest" magic record
// The latest record has pk=latest/{env} and sk={original pk} to enable efficient queries for latest deployments
func (d *DAO) UpdateStatus(ctx context.Context, input UpdateInput) error {
	if input.Status == nil {
		return fmt.Errorf("status is required")
	}

	now := time.Now().Unix()

	// Build the update operation with chained Set calls
	update := d.table.Update(input.PK).
		Range(input.SK).
		Set("#Status = ?", string(*input.Status)).
		Set("#UpdatedAt = ?", now)

	// Set finishedAt for terminal states (SUCCESS or FAILED)
	if *input.Status == DeployStatusSuccess || *input.Status == DeployStatusFailed {
		update = update.Set("#FinishedAt = ?", now)
	}

	// Add error message if provided
	if input.ErrorMsg != nil {
		update = update.Set("#ErrorMsg = ?", *input.ErrorMsg)
	}

	// Record stack outputs if provided
	if input.Outputs != nil {
		update = update.Set("#Outputs = ?", input.Outputs)
	}

	// Create/update the "latest" magic record
	// Parse env from PK (format: {app}/{env})
	app, env, err := ParsePK(input.PK)
	if err != nil {
		return fmt.Errorf("failed to parse PK: %w", err)
	}

	latestRecord := &Record{
		PK:        NewPK(latest, env),
		SK:        input.PK.String(), // SK in latest record = PK from original (app/env identifier)
		ID:        NewID(input.PK, input.SK),
		App:       app,
		Env:       env,
		Status:    *input.Status,
		UpdatedAt: now,
	}

	// Write both the update and the latest record in a transaction
	put := d.table.Put(latestRecord)

	if _, err := d.db.TransactWriteItemsWithContext(ctx, update, put); err != nil {
		return err
	}

	return nil
}

// Query returns all deployments for a given app/env partition key
func (d *DAO) Query(ctx context.Context, pk PK) ([]Record, error) {
	var records []Record

	err := d.table.Query("#PK = ?", pk.String()).
		FindAllWithContext(ctx, &records)
	if err != nil {
		return nil, fmt.Errorf("failed to query deployments: %w", err)
	}

	return records, nil
}

// QueryByEnv returns all deployments of the app in the given environment
func (d *DAO) QueryByEnv(ctx context.Context, app, env string) ([]Record, error) {
	pk := NewPK(app, env)
	return d.Query(ctx, pk)
}

// QueryLatestDeployments returns the latest deployment for each app in the given environment
// It queries the "latest" magic records where pk=latest/{env} and sk={app}/{env}
func (d *DAO) QueryLatestDeployments(ctx context.Context, env string) ([]Record, error) {
	pk := NewPK(latest, env)
	var records []Record

	err := d.table.Query("#PK = ?", pk).
		FindAllWithContext(ctx, &records)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest deployments: %w", err)
	}

	// Sort by UpdatedAt descending (most recent first)
	// The records are already sorted by SK (app/env), but we want to sort by time
	for i := 0; i < len(records)-1; i++ {
		for j := i + 1; j < len(records); j++ {
			if records[j].UpdatedAt > records[i].UpdatedAt {
				records[i], records[j] = records[j], records[i]
			}
		}
	}

	ids := slicex.Map(records, GetID)

	// Load full deployment records for each ID
	deployments := make([]Record, 0, len(ids))
	for _, id := range ids {
		record, err := d.Find(ctx, id)
		if err != nil {
			// Skip records that are not found (may have been deleted)
			continue
		}
		deployments = append(deployments, record)
	}

	return deployments, nil
}

// StartProvision atomically updates a deployment record to IN_PROGRESS status and sets the stack id
// This should be called when the CloudFormation request has been accepted
// It also updates the "latest" magic record to ensure the latest deployment is reflected immediately
func (d *DAO) StartProvision(ctx context.Context, pk PK, sk string, stackID string) error {
	now := time.Now().Unix()
	status := DeployStatusInProgress

	update := d.table.Update(pk.String()).
		Range(sk).
		Set("#Status = ?", string(status)).
		Set("#StackID = ?", stackID).
		Set("#UpdatedAt = ?", now)

	// Create/update the "latest" magic record
	// Parse env from PK (format: {app}/{env})
	app, env, err := ParsePK(pk)
	if err != nil {
		return fmt.Errorf("failed to parse PK: %w", err)
	}

	latestRecord := &Record{
		PK:        NewPK(latest, env),
		SK:        pk.String(), // SK in latest record = PK from original (app/env identifier)
		ID:        NewID(pk, sk),
		App:       app,
		Env:       env,
		Status:    status,
		UpdatedAt: now,
	}

	// Write both the update and the latest record in a transaction
	put := d.table.Put(latestRecord)

	if _, err := d.db.TransactWriteItemsWithContext(ctx, update, put); err != nil {
		return fmt.Errorf("failed to start provisioning: %w", err)
	}

	return nil
}
