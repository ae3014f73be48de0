package policy

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/savaki/itemstack/internal/descriptor"
)

func TestValidator_ValidateTemplate(t *testing.T) {
	validator, err := NewValidator()
	if err != nil {
		t.Fatalf("Failed to create validator: %v", err)
	}

	tests := []struct {
		name             string
		template         string
		env              string
		expectAllow      bool
		expectViolations []string
		expectWarnings   []string
	}{
		{
			name: "Valid dev stack with open ingress warning",
			template: `{
				"Parameters": {
					"DBPassword": {"Type": "String", "NoEcho": true}
				},
				"Resources": {
					"DatabaseSecurityGroup": {
						"Type": "AWS::EC2::SecurityGroup",
						"Properties": {
							"SecurityGroupIngress": [
								{"IpProtocol": "tcp", "FromPort": 5432, "ToPort": 5432, "CidrIp": "0.0.0.0/0"}
							]
						}
					},
					"Database": {
						"Type": "AWS::RDS::DBInstance",
						"Properties": {
							"DBInstanceIdentifier": "items-dev",
							"Engine": "postgres",
							"Port": "5432"
						}
					},
					"DatabaseSecret": {
						"Type": "AWS::SecretsManager::Secret",
						"Properties": {
							"Name": "/dev/database/credentials",
							"SecretString": "{\"username\":\"itemsadmin\",\"password\":\"${DBPassword}\",\"host\":\"${Database.Endpoint.Address}\",\"port\":\"5432\",\"dbname\":\"items\"}"
						}
					}
				},
				"Outputs": {
					"ApiUrl": {"Value": "https://${HttpApi}.execute-api.us-west-2.amazonaws.com"},
					"DatabaseEndpoint": {"Value": "${Database.Endpoint.Address}"}
				}
			}`,
			env:              "dev",
			expectAllow:      true,
			expectViolations: nil,
			expectWarnings:   []string{"Security group 'DatabaseSecurityGroup' is open to 0.0.0.0/0"},
		},
		{
			name: "Open ingress is a violation in prod",
			template: `{
				"Resources": {
					"DatabaseSecurityGroup": {
						"Type": "AWS::EC2::SecurityGroup",
						"Properties": {
							"SecurityGroupIngress": [
								{"IpProtocol": "tcp", "FromPort": 5432, "ToPort": 5432, "CidrIp": "0.0.0.0/0"}
							]
						}
					},
					"Database": {
						"Type": "AWS::RDS::DBInstance",
						"Properties": {
							"DBInstanceIdentifier": "items-prod",
							"Port": "5432"
						}
					},
					"DatabaseSecret": {
						"Type": "AWS::SecretsManager::Secret",
						"Properties": {
							"Name": "/prod/database/credentials",
							"SecretString": "{\"username\":\"itemsadmin\",\"port\":\"5432\"}"
						}
					}
				},
				"Outputs": {
					"ApiUrl": {"Value": "https://example"},
					"DatabaseEndpoint": {"Value": "${Database.Endpoint.Address}"}
				}
			}`,
			env:              "prod",
			expectAllow:      false,
			expectViolations: []string{"Security group 'DatabaseSecurityGroup' must not be open to 0.0.0.0/0 in prod"},
		},
		{
			name: "Secret path for the wrong environment",
			template: `{
				"Resources": {
					"DatabaseSecurityGroup": {
						"Type": "AWS::EC2::SecurityGroup",
						"Properties": {
							"SecurityGroupIngress": [
								{"IpProtocol": "tcp", "FromPort": 5432, "ToPort": 5432, "CidrIp": "10.0.0.0/8"}
							]
						}
					},
					"Database": {
						"Type": "AWS::RDS::DBInstance",
						"Properties": {
							"DBInstanceIdentifier": "items-test",
							"Port": "5432"
						}
					},
					"DatabaseSecret": {
						"Type": "AWS::SecretsManager::Secret",
						"Properties": {
							"Name": "/dev/database/credentials",
							"SecretString": "{\"port\":\"5432\"}"
						}
					}
				},
				"Outputs": {
					"ApiUrl": {"Value": "https://example"},
					"DatabaseEndpoint": {"Value": "${Database.Endpoint.Address}"}
				}
			}`,
			env:              "test",
			expectAllow:      false,
			expectViolations: []string{"Secret 'DatabaseSecret' is named '/dev/database/credentials', expected '/test/database/credentials'"},
		},
		{
			name: "Database identifier without the environment",
			template: `{
				"Resources": {
					"DatabaseSecurityGroup": {
						"Type": "AWS::EC2::SecurityGroup",
						"Properties": {
							"SecurityGroupIngress": [
								{"IpProtocol": "tcp", "FromPort": 5432, "ToPort": 5432, "CidrIp": "10.0.0.0/8"}
							]
						}
					},
					"Database": {
						"Type": "AWS::RDS::DBInstance",
						"Properties": {
							"DBInstanceIdentifier": "items",
							"Port": "5432"
						}
					},
					"DatabaseSecret": {
						"Type": "AWS::SecretsManager::Secret",
						"Properties": {
							"Name": "/dev/database/credentials",
							"SecretString": "{\"port\":\"5432\"}"
						}
					}
				},
				"Outputs": {
					"ApiUrl": {"Value": "https://example"},
					"DatabaseEndpoint": {"Value": "${Database.Endpoint.Address}"}
				}
			}`,
			env:              "dev",
			expectAllow:      false,
			expectViolations: []string{"Database 'Database' identifier 'items' must embed the environment 'dev'"},
		},
		{
			name: "Ingress does not cover the database port",
			template: `{
				"Resources": {
					"DatabaseSecurityGroup": {
						"Type": "AWS::EC2::SecurityGroup",
						"Properties": {
							"SecurityGroupIngress": [
								{"IpProtocol": "tcp", "FromPort": 5433, "ToPort": 5433, "CidrIp": "10.0.0.0/8"}
							]
						}
					},
					"Database": {
						"Type": "AWS::RDS::DBInstance",
						"Properties": {
							"DBInstanceIdentifier": "items-dev",
							"Port": "5432"
						}
					},
					"DatabaseSecret": {
						"Type": "AWS::SecretsManager::Secret",
						"Properties": {
							"Name": "/dev/database/credentials",
							"SecretString": "{\"port\":\"5432\"}"
						}
					}
				},
				"Outputs": {
					"ApiUrl": {"Value": "https://example"},
					"DatabaseEndpoint": {"Value": "${Database.Endpoint.Address}"}
				}
			}`,
			env:              "dev",
			expectAllow:      false,
			expectViolations: []string{"Database 'Database' listens on port 5432 but no security group ingress covers it"},
		},
		{
			name: "Secret advertises a different port than the database",
			template: `{
				"Resources": {
					"DatabaseSecurityGroup": {
						"Type": "AWS::EC2::SecurityGroup",
						"Properties": {
							"SecurityGroupIngress": [
								{"IpProtocol": "tcp", "FromPort": 5432, "ToPort": 5432, "CidrIp": "10.0.0.0/8"}
							]
						}
					},
					"Database": {
						"Type": "AWS::RDS::DBInstance",
						"Properties": {
							"DBInstanceIdentifier": "items-dev",
							"Port": "5432"
						}
					},
					"DatabaseSecret": {
						"Type": "AWS::SecretsManager::Secret",
						"Properties": {
							"Name": "/dev/database/credentials",
							"SecretString": "{\"port\":\"5433\"}"
						}
					}
				},
				"Outputs": {
					"ApiUrl": {"Value": "https://example"},
					"DatabaseEndpoint": {"Value": "${Database.Endpoint.Address}"}
				}
			}`,
			env:              "dev",
			expectAllow:      false,
			expectViolations: []string{"Secret 'DatabaseSecret' advertises port 5433 but database 'Database' listens on port 5432"},
		},
		{
			name: "Missing required output",
			template: `{
				"Resources": {
					"DatabaseSecurityGroup": {
						"Type": "AWS::EC2::SecurityGroup",
						"Properties": {
							"SecurityGroupIngress": [
								{"IpProtocol": "tcp", "FromPort": 5432, "ToPort": 5432, "CidrIp": "10.0.0.0/8"}
							]
						}
					},
					"Database": {
						"Type": "AWS::RDS::DBInstance",
						"Properties": {
							"DBInstanceIdentifier": "items-dev",
							"Port": "5432"
						}
					},
					"DatabaseSecret": {
						"Type": "AWS::SecretsManager::Secret",
						"Properties": {
							"Name": "/dev/database/credentials",
							"SecretString": "{\"port\":\"5432\"}"
						}
					}
				},
				"Outputs": {
					"ApiUrl": {"Value": "https://example"}
				}
			}`,
			env:              "dev",
			expectAllow:      false,
			expectViolations: []string{"Template must declare the 'DatabaseEndpoint' output"},
		},
		{
			name: "Extra output leaks stack internals",
			template: `{
				"Resources": {
					"DatabaseSecurityGroup": {
						"Type": "AWS::EC2::SecurityGroup",
						"Properties": {
							"SecurityGroupIngress": [
								{"IpProtocol": "tcp", "FromPort": 5432, "ToPort": 5432, "CidrIp": "10.0.0.0/8"}
							]
						}
					},
					"Database": {
						"Type": "AWS::RDS::DBInstance",
						"Properties": {
							"DBInstanceIdentifier": "items-dev",
							"Port": "5432"
						}
					},
					"DatabaseSecret": {
						"Type": "AWS::SecretsManager::Secret",
						"Properties": {
							"Name": "/dev/database/credentials",
							"SecretString": "{\"port\":\"5432\"}"
						}
					}
				},
				"Outputs": {
					"ApiUrl": {"Value": "https://example"},
					"DatabaseEndpoint": {"Value": "${Database.Endpoint.Address}"},
					"DatabasePassword": {"Value": "hunter2"}
				}
			}`,
			env:         "dev",
			expectAllow: false,
			expectViolations: []string{
				"Output 'DatabasePassword' is not part of the stack contract. Only ApiUrl and DatabaseEndpoint are published.",
			},
		},
		{
			name: "Unknown environment",
			template: `{
				"Resources": {
					"Database": {
						"Type": "AWS::RDS::DBInstance",
						"Properties": {
							"DBInstanceIdentifier": "items-staging",
							"Port": "5432"
						}
					}
				},
				"Outputs": {
					"ApiUrl": {"Value": "https://example"},
					"DatabaseEndpoint": {"Value": "${Database.Endpoint.Address}"}
				}
			}`,
			env:              "staging",
			expectAllow:      false,
			expectViolations: []string{"Environment 'staging' is not recognized. Only dev, test, and prod are allowed."},
		},
		{
			name: "Secret without a name",
			template: `{
				"Resources": {
					"DatabaseSecurityGroup": {
						"Type": "AWS::EC2::SecurityGroup",
						"Properties": {
							"SecurityGroupIngress": [
								{"IpProtocol": "tcp", "FromPort": 5432, "ToPort": 5432, "CidrIp": "10.0.0.0/8"}
							]
						}
					},
					"Database": {
						"Type": "AWS::RDS::DBInstance",
						"Properties": {
							"DBInstanceIdentifier": "items-dev",
							"Port": "5432"
						}
					},
					"DatabaseSecret": {
						"Type": "AWS::SecretsManager::Secret",
						"Properties": {
							"SecretString": "{\"port\":\"5432\"}"
						}
					}
				},
				"Outputs": {
					"ApiUrl": {"Value": "https://example"},
					"DatabaseEndpoint": {"Value": "${Database.Endpoint.Address}"}
				}
			}`,
			env:              "dev",
			expectAllow:      false,
			expectViolations: []string{"Secret 'DatabaseSecret' must set an explicit Name so the API can resolve credentials by path"},
		},
		{
			name: "NoEcho parameter with a default only warns",
			template: `{
				"Parameters": {
					"DBPassword": {"Type": "String", "NoEcho": true, "Default": "hunter2"}
				},
				"Resources": {
					"DatabaseSecurityGroup": {
						"Type": "AWS::EC2::SecurityGroup",
						"Properties": {
							"SecurityGroupIngress": [
								{"IpProtocol": "tcp", "FromPort": 5432, "ToPort": 5432, "CidrIp": "10.0.0.0/8"}
							]
						}
					},
					"Database": {
						"Type": "AWS::RDS::DBInstance",
						"Properties": {
							"DBInstanceIdentifier": "items-dev",
							"Port": "5432"
						}
					},
					"DatabaseSecret": {
						"Type": "AWS::SecretsManager::Secret",
						"Properties": {
							"Name": "/dev/database/credentials",
							"SecretString": "{\"port\":\"5432\"}"
						}
					}
				},
				"Outputs": {
					"ApiUrl": {"Value": "https://example"},
					"DatabaseEndpoint": {"Value": "${Database.Endpoint.Address}"}
				}
			}`,
			env:            "dev",
			expectAllow:    true,
			expectWarnings: []string{"Parameter 'DBPassword' is NoEcho but carries a default value"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var template map[string]interface{}
			err := json.Unmarshal([]byte(tt.template), &template)
			if err != nil {
				t.Fatalf("Failed to parse template JSON: %v", err)
			}

			result, err := validator.ValidateTemplate(template, tt.env)
			if err != nil {
				t.Fatalf("Validation failed with error: %v", err)
			}

			if result.Allowed != tt.expectAllow {
				t.Errorf("Expected allowed=%v, got allowed=%v. Violations: %v", tt.expectAllow, result.Allowed, result.Violations)
			}

			if tt.expectViolations == nil && len(result.Violations) > 0 {
				t.Errorf("Expected no violations, got: %v", result.Violations)
			}

			if tt.expectViolations != nil {
				violationMap := make(map[string]bool)
				for _, v := range result.Violations {
					violationMap[v] = true
				}
				for _, expected := range tt.expectViolations {
					if !violationMap[expected] {
						t.Errorf("Expected violation '%s' not found in %v", expected, result.Violations)
					}
				}
			}

			if tt.expectWarnings != nil {
				warningMap := make(map[string]bool)
				for _, w := range result.Warnings {
					warningMap[w] = true
				}
				for _, expected := range tt.expectWarnings {
					if !warningMap[expected] {
						t.Errorf("Expected warning '%s' not found in %v", expected, result.Warnings)
					}
				}
			}
		})
	}
}

func TestValidator_SecretNamingRules(t *testing.T) {
	validator, err := NewValidator()
	if err != nil {
		t.Fatalf("Failed to create validator: %v", err)
	}

	tests := []struct {
		name        string
		secretName  string
		env         string
		expectAllow bool
	}{
		{"Valid dev naming", "/dev/database/credentials", "dev", true},
		{"Valid test naming", "/test/database/credentials", "test", true},
		{"Valid prod naming", "/prod/database/credentials", "prod", true},
		{"Wrong env in path", "/prod/database/credentials", "dev", false},
		{"Missing leading slash", "dev/database/credentials", "dev", false},
		{"Unscoped path", "/database/credentials", "dev", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			template := map[string]interface{}{
				"Resources": map[string]interface{}{
					"DatabaseSecurityGroup": map[string]interface{}{
						"Type": "AWS::EC2::SecurityGroup",
						"Properties": map[string]interface{}{
							"SecurityGroupIngress": []interface{}{
								map[string]interface{}{
									"IpProtocol": "tcp",
									"FromPort":   5432,
									"ToPort":     5432,
									"CidrIp":     "10.0.0.0/8",
								},
							},
						},
					},
					"Database": map[string]interface{}{
						"Type": "AWS::RDS::DBInstance",
						"Properties": map[string]interface{}{
							"DBInstanceIdentifier": fmt.Sprintf("items-%s", tt.env),
							"Port":                 "5432",
						},
					},
					"DatabaseSecret": map[string]interface{}{
						"Type": "AWS::SecretsManager::Secret",
						"Properties": map[string]interface{}{
							"Name":         tt.secretName,
							"SecretString": `{"port":"5432"}`,
						},
					},
				},
				"Outputs": map[string]interface{}{
					"ApiUrl":           map[string]interface{}{"Value": "https://example"},
					"DatabaseEndpoint": map[string]interface{}{"Value": "${Database.Endpoint.Address}"},
				},
			}

			result, err := validator.ValidateTemplate(template, tt.env)
			if err != nil {
				t.Fatalf("Validation failed with error: %v", err)
			}

			if result.Allowed != tt.expectAllow {
				t.Errorf("Secret name '%s' with env='%s': expected allowed=%v, got allowed=%v. Violations: %v",
					tt.secretName, tt.env, tt.expectAllow, result.Allowed, result.Violations)
			}
		})
	}
}

func TestValidator_IngressCoverage(t *testing.T) {
	validator, err := NewValidator()
	if err != nil {
		t.Fatalf("Failed to create validator: %v", err)
	}

	tests := []struct {
		name        string
		fromPort    int
		toPort      int
		expectAllow bool
	}{
		{"Exact port", 5432, 5432, true},
		{"Range covering port", 5000, 6000, true},
		{"Whole range", 0, 65535, true},
		{"Below port", 80, 443, false},
		{"Above port", 6000, 7000, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			template := map[string]interface{}{
				"Resources": map[string]interface{}{
					"DatabaseSecurityGroup": map[string]interface{}{
						"Type": "AWS::EC2::SecurityGroup",
						"Properties": map[string]interface{}{
							"SecurityGroupIngress": []interface{}{
								map[string]interface{}{
									"IpProtocol": "tcp",
									"FromPort":   tt.fromPort,
									"ToPort":     tt.toPort,
									"CidrIp":     "10.0.0.0/8",
								},
							},
						},
					},
					"Database": map[string]interface{}{
						"Type": "AWS::RDS::DBInstance",
						"Properties": map[string]interface{}{
							"DBInstanceIdentifier": "items-dev",
							"Port":                 "5432",
						},
					},
					"DatabaseSecret": map[string]interface{}{
						"Type": "AWS::SecretsManager::Secret",
						"Properties": map[string]interface{}{
							"Name":         "/dev/database/credentials",
							"SecretString": `{"port":"5432"}`,
						},
					},
				},
				"Outputs": map[string]interface{}{
					"ApiUrl":           map[string]interface{}{"Value": "https://example"},
					"DatabaseEndpoint": map[string]interface{}{"Value": "${Database.Endpoint.Address}"},
				},
			}

			result, err := validator.ValidateTemplate(template, "dev")
			if err != nil {
				t.Fatalf("Validation failed with error: %v", err)
			}

			if result.Allowed != tt.expectAllow {
				t.Errorf("Ingress %d-%d: expected allowed=%v, got allowed=%v. Violations: %v",
					tt.fromPort, tt.toPort, tt.expectAllow, result.Allowed, result.Violations)
			}
		})
	}
}

func TestValidator_DefaultTemplate(t *testing.T) {
	validator, err := NewValidator()
	if err != nil {
		t.Fatalf("Failed to create validator: %v", err)
	}

	tpl, err := descriptor.Default()
	if err != nil {
		t.Fatalf("Failed to load default template: %v", err)
	}

	for _, env := range []string{"dev", "test"} {
		t.Run(env, func(t *testing.T) {
			resolution, err := descriptor.Resolve(tpl, map[string]string{
				"Environment": env,
				"CodeBucket":  "itemstack-artifacts",
				"CodeKey":     fmt.Sprintf("itemstack/%s/api.zip", env),
			}, descriptor.Pseudo{Region: "us-west-2"})
			if err != nil {
				t.Fatalf("Failed to resolve template: %v", err)
			}

			input, err := resolution.Template.AsMap()
			if err != nil {
				t.Fatalf("Failed to convert template: %v", err)
			}

			result, err := validator.ValidateTemplate(input, env)
			if err != nil {
				t.Fatalf("Validation failed with error: %v", err)
			}
			if !result.Allowed {
				t.Errorf("Default template should pass for %s, got violations: %v", env, result.Violations)
			}
			if len(result.Warnings) == 0 {
				t.Error("Default template keeps its database open; expected an ingress warning")
			}
		})
	}

	// The same template is rejected for prod until the ingress is tightened
	t.Run("prod", func(t *testing.T) {
		resolution, err := descriptor.Resolve(tpl, map[string]string{
			"Environment": "prod",
			"CodeBucket":  "itemstack-artifacts",
			"CodeKey":     "itemstack/prod/api.zip",
		}, descriptor.Pseudo{Region: "us-west-2"})
		if err != nil {
			t.Fatalf("Failed to resolve template: %v", err)
		}

		input, err := resolution.Template.AsMap()
		if err != nil {
			t.Fatalf("Failed to convert template: %v", err)
		}

		result, err := validator.ValidateTemplate(input, "prod")
		if err != nil {
			t.Fatalf("Validation failed with error: %v", err)
		}
		if result.Allowed {
			t.Error("Default template leaves the database open to 0.0.0.0/0; prod should reject it")
		}
	})
}
