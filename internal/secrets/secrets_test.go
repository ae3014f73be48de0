package secrets

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"

	apperrors "github.com/savaki/itemstack/internal/errors"
	"github.com/savaki/itemstack/internal/models"
)

func TestParseBundle(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		want    Bundle
		wantErr bool
	}{
		{
			name: "string port",
			data: `{"username":"itemsadmin","password":"s3cret","host":"db.example.com","port":"5432","dbname":"items"}`,
			want: Bundle{Username: "itemsadmin", Password: "s3cret", Host: "db.example.com", Port: "5432", DBName: "items"},
		},
		{
			name: "numeric port",
			data: `{"username":"itemsadmin","password":"s3cret","host":"db.example.com","port":5432,"dbname":"items"}`,
			want: Bundle{Username: "itemsadmin", Password: "s3cret", Host: "db.example.com", Port: "5432", DBName: "items"},
		},
		{
			name: "missing port defaults",
			data: `{"username":"itemsadmin","password":"s3cret","host":"db.example.com","dbname":"items"}`,
			want: Bundle{Username: "itemsadmin", Password: "s3cret", Host: "db.example.com", Port: "5432", DBName: "items"},
		},
		{
			name:    "not json",
			data:    `username=itemsadmin`,
			wantErr: true,
		},
		{
			name:    "boolean port",
			data:    `{"port":true}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseBundle([]byte(tt.data))
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseBundle() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && got != tt.want {
				t.Errorf("ParseBundle() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestBundle_DSN(t *testing.T) {
	bundle := Bundle{
		Username: "itemsadmin",
		Password: "p@ss/word",
		Host:     "db.example.com",
		Port:     "5432",
		DBName:   "items",
	}

	dsn := bundle.DSN()
	if !strings.HasPrefix(dsn, "postgres://itemsadmin:") {
		t.Errorf("DSN() = %q, want postgres:// prefix with username", dsn)
	}
	if strings.Contains(dsn, "p@ss/word") {
		t.Errorf("DSN() = %q, password should be escaped", dsn)
	}
	if !strings.HasSuffix(dsn, "@db.example.com:5432/items") {
		t.Errorf("DSN() = %q, want host, port, and dbname", dsn)
	}
}

func TestBundle_EncodeRoundTrip(t *testing.T) {
	bundle := Bundle{Username: "itemsadmin", Password: "s3cret", Host: "db", Port: "5432", DBName: "items"}

	encoded, err := bundle.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if !strings.Contains(encoded, `"port":"5432"`) {
		t.Errorf("Encode() = %q, port should serialize as a string", encoded)
	}

	got, err := ParseBundle([]byte(encoded))
	if err != nil {
		t.Fatalf("ParseBundle() error = %v", err)
	}
	if got != bundle {
		t.Errorf("round trip = %+v, want %+v", got, bundle)
	}
}

func TestBundle_Validate(t *testing.T) {
	valid := Bundle{Username: "u", Host: "h", Port: "5432", DBName: "d"}
	if err := valid.Validate(); err != nil {
		t.Errorf("Validate() error = %v, want nil", err)
	}

	tests := []struct {
		name   string
		bundle Bundle
	}{
		{name: "no username", bundle: Bundle{Host: "h", DBName: "d"}},
		{name: "no host", bundle: Bundle{Username: "u", DBName: "d"}},
		{name: "no dbname", bundle: Bundle{Username: "u", Host: "h"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.bundle.Validate(); err == nil {
				t.Error("Validate() expected error, got nil")
			}
		})
	}
}

func TestGeneratePassword(t *testing.T) {
	first, err := GeneratePassword()
	if err != nil {
		t.Fatalf("GeneratePassword() error = %v", err)
	}
	second, err := GeneratePassword()
	if err != nil {
		t.Fatalf("GeneratePassword() error = %v", err)
	}

	if first == second {
		t.Error("GeneratePassword() returned the same value twice")
	}
	if len(first) < 40 {
		t.Errorf("GeneratePassword() length = %d, want at least 40", len(first))
	}
	for _, forbidden := range []string{"/", "@", `"`, " "} {
		if strings.Contains(first, forbidden) {
			t.Errorf("GeneratePassword() = %q contains forbidden character %q", first, forbidden)
		}
	}
}

type fakeSecretsClient struct {
	secrets  map[string]string
	staged   map[string]string
	versions map[string][]string
	lastPut  *secretsmanager.PutSecretValueInput
	lastUpd  *secretsmanager.UpdateSecretVersionStageInput
}

func (f *fakeSecretsClient) GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	source := f.secrets
	if params.VersionStage != nil && *params.VersionStage == "AWSPENDING" {
		source = f.staged
	}
	value, ok := source[aws.ToString(params.SecretId)]
	if !ok {
		return nil, &types.ResourceNotFoundException{Message: aws.String("Secrets Manager can't find the specified secret.")}
	}
	return &secretsmanager.GetSecretValueOutput{SecretString: aws.String(value)}, nil
}

func (f *fakeSecretsClient) PutSecretValue(ctx context.Context, params *secretsmanager.PutSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.PutSecretValueOutput, error) {
	f.lastPut = params
	if f.staged == nil {
		f.staged = map[string]string{}
	}
	f.staged[aws.ToString(params.SecretId)] = aws.ToString(params.SecretString)
	return &secretsmanager.PutSecretValueOutput{}, nil
}

func (f *fakeSecretsClient) UpdateSecretVersionStage(ctx context.Context, params *secretsmanager.UpdateSecretVersionStageInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.UpdateSecretVersionStageOutput, error) {
	f.lastUpd = params
	return &secretsmanager.UpdateSecretVersionStageOutput{}, nil
}

func (f *fakeSecretsClient) DescribeSecret(ctx context.Context, params *secretsmanager.DescribeSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.DescribeSecretOutput, error) {
	return &secretsmanager.DescribeSecretOutput{VersionIdsToStages: f.versions}, nil
}

func TestStore_Get(t *testing.T) {
	client := &fakeSecretsClient{
		secrets: map[string]string{
			"/dev/database/credentials": `{"username":"itemsadmin","password":"s3cret","host":"db","port":5432,"dbname":"items"}`,
		},
	}
	store := NewStore(client)

	bundle, err := store.Get(context.Background(), "/dev/database/credentials")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if bundle.Username != "itemsadmin" || bundle.Port != "5432" {
		t.Errorf("Get() = %+v, want itemsadmin:5432", bundle)
	}

	_, err = store.Get(context.Background(), "/prod/database/credentials")
	if !errors.Is(err, apperrors.ErrSecretNotFound) {
		t.Errorf("Get() error = %v, want ErrSecretNotFound", err)
	}
}

func TestStore_PutStaged(t *testing.T) {
	client := &fakeSecretsClient{secrets: map[string]string{}}
	store := NewStore(client)

	bundle := Bundle{Username: "itemsadmin", Password: "new", Host: "db", Port: "5432", DBName: "items"}
	if err := store.PutStaged(context.Background(), "/dev/database/credentials", "token-1", bundle); err != nil {
		t.Fatalf("PutStaged() error = %v", err)
	}

	if client.lastPut == nil {
		t.Fatal("PutStaged() did not call PutSecretValue")
	}
	if got := client.lastPut.VersionStages; len(got) != 1 || got[0] != "AWSPENDING" {
		t.Errorf("PutStaged() stages = %v, want [AWSPENDING]", got)
	}
	if got := aws.ToString(client.lastPut.ClientRequestToken); got != "token-1" {
		t.Errorf("PutStaged() token = %q, want token-1", got)
	}

	staged, err := store.GetStage(context.Background(), "/dev/database/credentials", "AWSPENDING")
	if err != nil {
		t.Fatalf("GetStage() error = %v", err)
	}
	if staged.Password != "new" {
		t.Errorf("GetStage() password = %q, want new", staged.Password)
	}
}

func TestStore_Promote(t *testing.T) {
	client := &fakeSecretsClient{
		versions: map[string][]string{
			"version-old": {"AWSCURRENT"},
			"token-1":     {"AWSPENDING"},
		},
	}
	store := NewStore(client)

	if err := store.Promote(context.Background(), "/dev/database/credentials", "token-1"); err != nil {
		t.Fatalf("Promote() error = %v", err)
	}
	if got := aws.ToString(client.lastUpd.VersionStage); got != "AWSCURRENT" {
		t.Errorf("Promote() stage = %q, want AWSCURRENT", got)
	}
	if got := aws.ToString(client.lastUpd.MoveToVersionId); got != "token-1" {
		t.Errorf("Promote() move to = %q, want token-1", got)
	}
	if got := aws.ToString(client.lastUpd.RemoveFromVersionId); got != "version-old" {
		t.Errorf("Promote() remove from = %q, want version-old", got)
	}

	if err := store.CancelRotation(context.Background(), "/dev/database/credentials", "version-9"); err != nil {
		t.Fatalf("CancelRotation() error = %v", err)
	}
	if got := aws.ToString(client.lastUpd.VersionStage); got != "AWSPENDING" {
		t.Errorf("CancelRotation() stage = %q, want AWSPENDING", got)
	}
	if got := aws.ToString(client.lastUpd.RemoveFromVersionId); got != "version-9" {
		t.Errorf("CancelRotation() remove from = %q, want version-9", got)
	}
}

func TestStore_Promote_AlreadyCurrent(t *testing.T) {
	client := &fakeSecretsClient{
		versions: map[string][]string{
			"token-1": {"AWSCURRENT"},
		},
	}
	store := NewStore(client)

	if err := store.Promote(context.Background(), "/dev/database/credentials", "token-1"); err != nil {
		t.Fatalf("Promote() error = %v", err)
	}
	if client.lastUpd != nil {
		t.Error("Promote() moved stages for a token that already holds AWSCURRENT")
	}
}

func TestResolveBundle_EnvFallback(t *testing.T) {
	t.Setenv("AWS_EXECUTION_ENV", "")
	t.Setenv("DB_SECRET_NAME", "")
	t.Setenv("DB_USER", "local")
	t.Setenv("DB_PASSWORD", "")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", "15432")
	t.Setenv("DB_NAME", "")

	bundle, err := ResolveBundle(context.Background(), nil, models.EnvDev)
	if err != nil {
		t.Fatalf("ResolveBundle() error = %v", err)
	}

	want := Bundle{Username: "local", Password: "postgres", Host: "127.0.0.1", Port: "15432", DBName: "postgres"}
	if bundle != want {
		t.Errorf("ResolveBundle() = %+v, want %+v", bundle, want)
	}
}

func TestResolveBundle_SecretName(t *testing.T) {
	t.Setenv("AWS_EXECUTION_ENV", "AWS_Lambda_provided.al2023")
	t.Setenv("DB_SECRET_NAME", "")

	client := &fakeSecretsClient{
		secrets: map[string]string{
			"/test/database/credentials": `{"username":"itemsadmin","password":"s3cret","host":"db","port":"5432","dbname":"items"}`,
		},
	}

	bundle, err := ResolveBundle(context.Background(), NewStore(client), models.EnvTest)
	if err != nil {
		t.Fatalf("ResolveBundle() error = %v", err)
	}
	if bundle.Host != "db" {
		t.Errorf("ResolveBundle() host = %q, want db", bundle.Host)
	}

	// an explicit DB_SECRET_NAME wins over the derived path
	t.Setenv("DB_SECRET_NAME", "/test/database/credentials")
	t.Setenv("AWS_EXECUTION_ENV", "")
	bundle, err = ResolveBundle(context.Background(), NewStore(client), models.EnvDev)
	if err != nil {
		t.Fatalf("ResolveBundle() error = %v", err)
	}
	if bundle.Username != "itemsadmin" {
		t.Errorf("ResolveBundle() username = %q, want itemsadmin", bundle.Username)
	}
}
