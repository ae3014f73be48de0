package lockdao

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/savaki/ddb/v2"
	"github.com/savaki/ddb/v2/ddbtest"
	"github.com/segmentio/ksuid"
	"github.com/stretchr/testify/assert"
)

func TestTableName(t *testing.T) {
	tests := []struct {
		env  string
		want string
	}{
		{env: "dev", want: "dev-itemstack--locks"},
		{env: "test", want: "test-itemstack--locks"},
		{env: "prod", want: "prod-itemstack--locks"},
	}

	for _, tt := range tests {
		t.Run(tt.env, func(t *testing.T) {
			if got := TableName(tt.env); got != tt.want {
				t.Errorf("TableName() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseID(t *testing.T) {
	tests := []struct {
		name    string
		id      ID
		wantEnv string
		wantApp string
		wantErr bool
	}{
		{
			name:    "valid ID",
			id:      ID("dev/itemstack:LOCK"),
			wantEnv: "dev",
			wantApp: "itemstack",
			wantErr: false,
		},
		{
			name:    "invalid ID - no colon",
			id:      ID("dev/itemstack"),
			wantErr: true,
		},
		{
			name:    "invalid ID - wrong SK",
			id:      ID("dev/itemstack:OTHER"),
			wantErr: true,
		},
		{
			name:    "invalid ID - bad PK part",
			id:      ID("itemstack:LOCK"),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, app, err := ParseID(tt.id)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseID() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if env != tt.wantEnv {
				t.Errorf("ParseID() env = %v, want %v", env, tt.wantEnv)
			}
			if app != tt.wantApp {
				t.Errorf("ParseID() app = %v, want %v", app, tt.wantApp)
			}
		})
	}
}

type Data struct {
	DAO *DAO
}

func setup(t *testing.T) (ctx context.Context, data Data, cleanup func()) {
	ctx = context.Background()

	cfg, err := config.LoadDefaultConfig(
		ctx,
		config.WithRegion("us-west-2"),
		config.WithBaseEndpoint("http://localhost:8000"),
		config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider("blah", "blah", ""),
		),
	)
	assert.NoError(t, err)

	var (
		client    = dynamodb.NewFromConfig(cfg)
		db        = ddb.New(client)
		tableName = fmt.Sprintf("locks-test-%v", ksuid.New().String())
		table     = db.MustTable(tableName, Record{})
		dao       = New(client, tableName)
	)

	err = table.CreateTableIfNotExists(ctx)
	assert.NoError(t, err)

	return ctx, Data{DAO: dao}, func() {
		_ = table.DeleteTableIfExists(ctx)
	}
}

func TestDAO(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ddbtest.WithTable[Data](t, setup, func(t *testing.T, ctx context.Context, data Data) {
		dao := data.DAO

		// Test 1: Acquire lock when none exists
		t.Run("Acquire_Success", func(t *testing.T) {
			env := "acquire-env"
			app := "itemstack"
			deployID := ksuid.New().String()
			stackName := fmt.Sprintf("%s-itemstack", env)

			record, acquired, err := dao.Acquire(ctx, AcquireInput{
				Env:       env,
				App:       app,
				DeployID:  deployID,
				StackName: stackName,
			})
			assert.NoError(t, err)
			assert.True(t, acquired)
			assert.NotNil(t, record)

			id := NewID(env, app)

			// Verify lock was created
			lock, err := dao.Find(ctx, id)
			assert.NoError(t, err)
			assert.NotNil(t, lock)
			assert.Equal(t, deployID, lock.DeployID)
			assert.Equal(t, stackName, lock.StackName)
			assert.Equal(t, fmt.Sprintf("%s/%s:LOCK", env, app), lock.GetID().String())
			assert.NotZero(t, lock.AcquiredAt)
			assert.NotZero(t, lock.TTL)
			assert.Greater(t, lock.TTL, lock.AcquiredAt) // TTL should be in future
		})

		// Test 2: Try to acquire when lock already held by another deployment
		t.Run("Acquire_Conflict", func(t *testing.T) {
			env := "conflict-env"
			app := "itemstack"
			deployID1 := ksuid.New().String()
			deployID2 := ksuid.New().String()

			// Deployment 1 acquires lock
			_, acquired, err := dao.Acquire(ctx, AcquireInput{
				Env:       env,
				App:       app,
				DeployID:  deployID1,
				StackName: env + "-itemstack",
			})
			assert.NoError(t, err)
			assert.True(t, acquired)

			// Deployment 2 tries to acquire (should fail, holder is returned)
			holder, acquired, err := dao.Acquire(ctx, AcquireInput{
				Env:       env,
				App:       app,
				DeployID:  deployID2,
				StackName: env + "-itemstack",
			})
			assert.NoError(t, err)
			assert.False(t, acquired)
			assert.NotNil(t, holder)
			assert.Equal(t, deployID1, holder.DeployID)

			// Verify lock still held by deployment 1
			id := NewID(env, app)
			lock, err := dao.Find(ctx, id)
			assert.NoError(t, err)
			assert.NotNil(t, lock)
			assert.Equal(t, deployID1, lock.DeployID)
		})

		// Test 3: Idempotent acquisition (same deployment acquires again)
		t.Run("Acquire_Idempotent", func(t *testing.T) {
			env := "idempotent-env"
			app := "itemstack"
			deployID := ksuid.New().String()

			input := AcquireInput{
				Env:       env,
				App:       app,
				DeployID:  deployID,
				StackName: env + "-itemstack",
			}

			// First acquisition
			_, acquired, err := dao.Acquire(ctx, input)
			assert.NoError(t, err)
			assert.True(t, acquired)

			// Same deployment tries to acquire again (retry scenario)
			_, acquired, err = dao.Acquire(ctx, input)
			assert.NoError(t, err)
			assert.True(t, acquired) // Should succeed (idempotent)
		})

		// Test 4: Find lock info
		t.Run("Find", func(t *testing.T) {
			env := "find-env"
			app := "itemstack"
			deployID := ksuid.New().String()
			stackName := env + "-itemstack"

			// Acquire lock
			_, acquired, err := dao.Acquire(ctx, AcquireInput{
				Env:       env,
				App:       app,
				DeployID:  deployID,
				StackName: stackName,
			})
			assert.NoError(t, err)
			assert.True(t, acquired)

			// Find lock info
			id := NewID(env, app)
			lock, err := dao.Find(ctx, id)
			assert.NoError(t, err)
			assert.NotNil(t, lock)
			assert.Equal(t, env+"/"+app, lock.PK.String())
			assert.Equal(t, "LOCK", lock.SK)
			assert.Equal(t, deployID, lock.DeployID)
			assert.Equal(t, stackName, lock.StackName)
		})

		// Test 5: Find when no lock exists
		t.Run("Find_NoLock", func(t *testing.T) {
			id := NewID("no-lock-env", "no-lock-app")
			lock, err := dao.Find(ctx, id)
			assert.NoError(t, err)
			assert.Nil(t, lock)
		})

		// Test 6: Release lock
		t.Run("Release_Success", func(t *testing.T) {
			env := "release-env"
			app := "itemstack"
			deployID := ksuid.New().String()

			// Acquire lock
			_, acquired, err := dao.Acquire(ctx, AcquireInput{
				Env:       env,
				App:       app,
				DeployID:  deployID,
				StackName: env + "-itemstack",
			})
			assert.NoError(t, err)
			assert.True(t, acquired)

			id := NewID(env, app)

			// Release lock
			err = dao.Release(ctx, ReleaseInput{
				ID:       id,
				DeployID: deployID,
			})
			assert.NoError(t, err)

			// Verify lock is gone
			lock, err := dao.Find(ctx, id)
			assert.NoError(t, err)
			assert.Nil(t, lock)
		})

		// Test 7: Release when not lock holder
		t.Run("Release_NotHolder", func(t *testing.T) {
			env := "wrong-release-env"
			app := "itemstack"
			deployID1 := ksuid.New().String()
			deployID2 := ksuid.New().String()

			// Deployment 1 acquires lock
			_, acquired, err := dao.Acquire(ctx, AcquireInput{
				Env:       env,
				App:       app,
				DeployID:  deployID1,
				StackName: env + "-itemstack",
			})
			assert.NoError(t, err)
			assert.True(t, acquired)

			id := NewID(env, app)

			// Deployment 2 tries to release (should fail)
			err = dao.Release(ctx, ReleaseInput{
				ID:       id,
				DeployID: deployID2,
			})
			assert.Error(t, err)
			assert.Contains(t, err.Error(), "lock not held by deployment")

			// Verify lock still held by deployment 1
			lock, err := dao.Find(ctx, id)
			assert.NoError(t, err)
			assert.NotNil(t, lock)
			assert.Equal(t, deployID1, lock.DeployID)
		})

		// Test 8: Release when no lock exists (idempotent)
		t.Run("Release_NoLock", func(t *testing.T) {
			id := NewID("no-lock", "no-lock")
			err := dao.Release(ctx, ReleaseInput{
				ID:       id,
				DeployID: ksuid.New().String(),
			})
			assert.NoError(t, err) // Should be idempotent (no error)
		})

		// Test 9: Force delete regardless of holder
		t.Run("ForceDelete", func(t *testing.T) {
			env := "force-env"
			app := "itemstack"
			deployID := ksuid.New().String()

			id := NewID(env, app)

			// Acquire lock
			_, acquired, err := dao.Acquire(ctx, AcquireInput{
				Env:       env,
				App:       app,
				DeployID:  deployID,
				StackName: env + "-itemstack",
			})
			assert.NoError(t, err)
			assert.True(t, acquired)

			// Force delete (emergency cleanup - bypasses deploy ID check)
			err = dao.Delete(ctx, id)
			assert.NoError(t, err)

			// Verify lock is gone
			lock, err := dao.Find(ctx, id)
			assert.NoError(t, err)
			assert.Nil(t, lock)

			// Should be able to acquire now
			_, acquired, err = dao.Acquire(ctx, AcquireInput{
				Env:       env,
				App:       app,
				DeployID:  ksuid.New().String(),
				StackName: env + "-itemstack",
			})
			assert.NoError(t, err)
			assert.True(t, acquired)
		})

		// Test 10: Lock lifecycle (acquire → release → re-acquire)
		t.Run("Lifecycle", func(t *testing.T) {
			env := "lifecycle-env"
			app := "itemstack"
			deployID1 := ksuid.New().String()
			deployID2 := ksuid.New().String()

			id := NewID(env, app)

			// Deployment 1 acquires lock
			_, acquired, err := dao.Acquire(ctx, AcquireInput{
				Env:       env,
				App:       app,
				DeployID:  deployID1,
				StackName: env + "-itemstack",
			})
			assert.NoError(t, err)
			assert.True(t, acquired)

			// Deployment 2 cannot acquire
			_, acquired, err = dao.Acquire(ctx, AcquireInput{
				Env:       env,
				App:       app,
				DeployID:  deployID2,
				StackName: env + "-itemstack",
			})
			assert.NoError(t, err)
			assert.False(t, acquired)

			// Deployment 1 releases lock
			err = dao.Release(ctx, ReleaseInput{
				ID:       id,
				DeployID: deployID1,
			})
			assert.NoError(t, err)

			// Now deployment 2 can acquire
			_, acquired, err = dao.Acquire(ctx, AcquireInput{
				Env:       env,
				App:       app,
				DeployID:  deployID2,
				StackName: env + "-itemstack",
			})
			assert.NoError(t, err)
			assert.True(t, acquired)

			// Verify deployment 2 holds lock
			lock, err := dao.Find(ctx, id)
			assert.NoError(t, err)
			assert.NotNil(t, lock)
			assert.Equal(t, deployID2, lock.DeployID)
		})

		// Test 11: Multiple apps with independent locks
		t.Run("MultipleLocksIsolation", func(t *testing.T) {
			deployID1 := ksuid.New().String()
			deployID2 := ksuid.New().String()

			// Acquire lock for isolation-env/itemstack
			_, acquired, err := dao.Acquire(ctx, AcquireInput{
				Env:       "isolation-env",
				App:       "itemstack",
				DeployID:  deployID1,
				StackName: "isolation-env-itemstack",
			})
			assert.NoError(t, err)
			assert.True(t, acquired)

			// Acquire lock for isolation-env/itemstack-jobs (different app, should succeed)
			_, acquired, err = dao.Acquire(ctx, AcquireInput{
				Env:       "isolation-env",
				App:       "itemstack-jobs",
				DeployID:  deployID2,
				StackName: "isolation-env-itemstack-jobs",
			})
			assert.NoError(t, err)
			assert.True(t, acquired)

			// Verify both locks exist independently
			lockA, err := dao.Find(ctx, NewID("isolation-env", "itemstack"))
			assert.NoError(t, err)
			assert.NotNil(t, lockA)
			assert.Equal(t, deployID1, lockA.DeployID)

			lockB, err := dao.Find(ctx, NewID("isolation-env", "itemstack-jobs"))
			assert.NoError(t, err)
			assert.NotNil(t, lockB)
			assert.Equal(t, deployID2, lockB.DeployID)
		})

		// Test 12: TTL field is set correctly
		t.Run("TTL_FieldSet", func(t *testing.T) {
			env := "ttl-env"
			app := "itemstack"
			deployID := ksuid.New().String()

			beforeAcquire := time.Now().Unix()

			_, acquired, err := dao.Acquire(ctx, AcquireInput{
				Env:       env,
				App:       app,
				DeployID:  deployID,
				StackName: env + "-itemstack",
			})
			assert.NoError(t, err)
			assert.True(t, acquired)

			id := NewID(env, app)
			lock, err := dao.Find(ctx, id)
			assert.NoError(t, err)
			assert.NotNil(t, lock)

			// TTL should be 4 hours in future
			expectedTTL := beforeAcquire + (4 * 3600)
			assert.GreaterOrEqual(t, lock.TTL, expectedTTL-5) // Allow 5 second tolerance
			assert.LessOrEqual(t, lock.TTL, expectedTTL+5)

			// AcquiredAt should be recent
			assert.GreaterOrEqual(t, lock.AcquiredAt, beforeAcquire)
			assert.LessOrEqual(t, lock.AcquiredAt, time.Now().Unix()+1)
		})

		// Test 13: ID and PK format
		t.Run("ID_PK_Format", func(t *testing.T) {
			pk := NewPK("my-env", "my-app")
			assert.Equal(t, "my-env/my-app", pk.String())

			id := NewID("my-env", "my-app")
			assert.Equal(t, "my-env/my-app:LOCK", id.String())

			// Acquire lock and verify formats in record
			deployID := ksuid.New().String()

			_, acquired, err := dao.Acquire(ctx, AcquireInput{
				Env:       "my-env",
				App:       "my-app",
				DeployID:  deployID,
				StackName: "my-env-my-app",
			})
			assert.NoError(t, err)
			assert.True(t, acquired)

			lock, err := dao.Find(ctx, id)
			assert.NoError(t, err)
			assert.Equal(t, "my-env/my-app", lock.PK.String())
			assert.Equal(t, "LOCK", lock.SK)
			assert.Equal(t, "my-env/my-app:LOCK", lock.GetID().String())
		})

		// Test 14: Multiple environments, same app
		t.Run("MultipleEnvironments", func(t *testing.T) {
			app := "multi-env-app"
			envs := []string{"dev", "test", "prod"}

			// Each environment should have independent locks
			for _, env := range envs {
				deployID := ksuid.New().String()

				_, acquired, err := dao.Acquire(ctx, AcquireInput{
					Env:       env,
					App:       app,
					DeployID:  deployID,
					StackName: fmt.Sprintf("%s-%s", env, app),
				})
				assert.NoError(t, err)
				assert.True(t, acquired)
			}

			// Verify all locks exist independently
			for _, env := range envs {
				id := NewID(env, app)
				lock, err := dao.Find(ctx, id)
				assert.NoError(t, err)
				assert.NotNil(t, lock)
				assert.Equal(t, fmt.Sprintf("%s/%s", env, app), lock.PK.String())
				assert.Equal(t, fmt.Sprintf("%s/%s:LOCK", env, app), lock.GetID().String())
			}
		})
	})
}
