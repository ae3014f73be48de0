package di

import (
	"testing"

	"github.com/savaki/itemstack/internal/models"
)

// Test types for dependency injection
type testDatabase struct {
	Name string
}

type testLogger struct {
	Level string
}

type testService struct {
	DB     *testDatabase
	Logger *testLogger
	Env    models.Env
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		env     models.Env
		opts    []Option
		wantErr bool
	}{
		{
			name:    "creates container with no providers",
			env:     models.EnvDev,
			opts:    nil,
			wantErr: false,
		},
		{
			name: "creates container with single provider",
			env:  models.EnvTest,
			opts: []Option{
				WithProviders(func() *testDatabase {
					return &testDatabase{Name: "test-db"}
				}),
			},
			wantErr: false,
		},
		{
			name: "creates container with multiple providers",
			env:  models.EnvProd,
			opts: []Option{
				WithProviders(
					func() *testDatabase {
						return &testDatabase{Name: "prod-db"}
					},
					func() *testLogger {
						return &testLogger{Level: "info"}
					},
				),
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			container, err := New(tt.env, tt.opts...)
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if container == nil && !tt.wantErr {
				t.Error("New() returned nil container without error")
			}
		})
	}
}

func TestNew_InvalidProvider(t *testing.T) {
	// Attempting to provide the same type twice should fail
	_, err := New(models.EnvDev,
		WithProviders(
			func() *testDatabase {
				return &testDatabase{Name: "db1"}
			},
			func() *testDatabase {
				return &testDatabase{Name: "db2"}
			},
		),
	)

	if err == nil {
		t.Error("New() should return error when providing duplicate types")
	}
}

func TestNew_ProvidesEnvironment(t *testing.T) {
	container, err := New(models.EnvTest)
	if err != nil {
		t.Fatalf("New() unexpected error: %v", err)
	}

	var actualEnv models.Env
	err = container.Invoke(func(env models.Env) {
		actualEnv = env
	})
	if err != nil {
		t.Fatalf("Invoke() unexpected error: %v", err)
	}

	if actualEnv != models.EnvTest {
		t.Errorf("Environment = %v, want %v", actualEnv, models.EnvTest)
	}
}

func TestMustGet(t *testing.T) {
	t.Run("successfully retrieves dependency", func(t *testing.T) {
		container, err := New(models.EnvDev,
			WithProviders(func() *testDatabase {
				return &testDatabase{Name: "test-db"}
			}),
		)
		if err != nil {
			t.Fatalf("New() unexpected error: %v", err)
		}

		db := MustGet[*testDatabase](container)
		if db == nil {
			t.Error("MustGet() returned nil")
		}
		if db.Name != "test-db" {
			t.Errorf("Database.Name = %v, want %v", db.Name, "test-db")
		}
	})

	t.Run("panics when dependency not found", func(t *testing.T) {
		container, err := New(models.EnvDev)
		if err != nil {
			t.Fatalf("New() unexpected error: %v", err)
		}

		defer func() {
			if r := recover(); r == nil {
				t.Error("MustGet() did not panic")
			}
		}()

		_ = MustGet[*testDatabase](container)
	})
}

func TestDependencyInjection(t *testing.T) {
	t.Run("resolves dependencies automatically", func(t *testing.T) {
		container, err := New(models.EnvProd,
			WithProviders(
				func() *testDatabase {
					return &testDatabase{Name: "prod-db"}
				},
				func() *testLogger {
					return &testLogger{Level: "error"}
				},
				func(db *testDatabase, logger *testLogger, env models.Env) *testService {
					return &testService{
						DB:     db,
						Logger: logger,
						Env:    env,
					}
				},
			),
		)
		if err != nil {
			t.Fatalf("New() unexpected error: %v", err)
		}

		service := MustGet[*testService](container)
		if service.DB.Name != "prod-db" {
			t.Errorf("Service.DB.Name = %v, want %v", service.DB.Name, "prod-db")
		}
		if service.Logger.Level != "error" {
			t.Errorf("Service.Logger.Level = %v, want %v", service.Logger.Level, "error")
		}
		if service.Env != models.EnvProd {
			t.Errorf("Service.Env = %v, want %v", service.Env, models.EnvProd)
		}
	})

	t.Run("core providers register cleanly", func(t *testing.T) {
		// Registration is lazy: nothing is constructed until a type is
		// requested, so no AWS calls happen here.
		for _, env := range models.Environments() {
			if _, err := New(env); err != nil {
				t.Errorf("New(%v) unexpected error: %v", env, err)
			}
		}
	})
}
