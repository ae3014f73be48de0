package audit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/apigatewayv2"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/rs/zerolog"
	apperrors "github.com/savaki/itemstack/internal/errors"
	"github.com/savaki/itemstack/internal/models"
	"github.com/savaki/itemstack/internal/provision"
	"github.com/savaki/itemstack/internal/secrets"
)

// Logical resource ids from the stack template.
const (
	resourceDatabase       = "Database"
	resourceDatabaseSecret = "DatabaseSecret"
	resourceHTTPAPI        = "HttpApi"
	resourceAPIFunction    = "ApiFunction"
)

// Auditor verifies a deployed environment against the conventions the
// template promises: naming carries the environment, ports line up between
// ingress, database, and secret, outputs are complete, and the function can
// actually reach its credentials.
type Auditor struct {
	provisioner  *provision.Provisioner
	store        *secrets.Store
	rdsClient    *rds.Client
	ec2Client    *ec2.Client
	lambdaClient *lambda.Client
	apigwClient  *apigatewayv2.Client
	iamClient    *iam.Client
	stsClient    *sts.Client
	region       string
}

// NewFromConfig creates an Auditor with clients derived from the given config.
func NewFromConfig(cfg aws.Config) *Auditor {
	return &Auditor{
		provisioner:  provision.NewFromConfig(cfg),
		store:        secrets.NewStore(secretsmanager.NewFromConfig(cfg)),
		rdsClient:    rds.NewFromConfig(cfg),
		ec2Client:    ec2.NewFromConfig(cfg),
		lambdaClient: lambda.NewFromConfig(cfg),
		apigwClient:  apigatewayv2.NewFromConfig(cfg),
		iamClient:    iam.NewFromConfig(cfg),
		stsClient:    sts.NewFromConfig(cfg),
		region:       cfg.Region,
	}
}

// auditState accumulates what earlier checks resolved so later checks can
// compare against it.
type auditState struct {
	resources  map[string]string
	outputs    map[string]string
	bundle     secrets.Bundle
	bundleOK   bool
	dbFound    bool
	dbEndpoint string
	dbPort     int32
	sgIDs      []string
	secretARN  string
	roleARN    string
}

// Run executes every conformance check against the environment's stack.
// Infrastructure problems (no credentials, stack not deployed) are errors;
// everything the checks themselves discover lands in the report.
func (a *Auditor) Run(ctx context.Context, env models.Env) (*Report, error) {
	logger := zerolog.Ctx(ctx)
	stackName := env.StackName()

	identity, err := a.stsClient.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return nil, fmt.Errorf("unable to verify AWS credentials: %w", err)
	}

	report := &Report{
		Env:       env.String(),
		StackName: stackName,
		Account:   aws.ToString(identity.Account),
		Region:    a.region,
	}

	logger.Info().
		Str("env", env.String()).
		Str("stack_name", stackName).
		Str("account", report.Account).
		Msg("Starting conformance audit")

	outputs, err := a.provisioner.Outputs(ctx, stackName)
	if err != nil {
		if errors.Is(err, apperrors.ErrStackNotFound) {
			return nil, fmt.Errorf("stack %s is not deployed: %w", stackName, err)
		}
		return nil, err
	}
	resources, err := a.provisioner.Resources(ctx, stackName)
	if err != nil {
		return nil, err
	}

	state := &auditState{resources: resources, outputs: outputs}
	a.checkSecret(ctx, env, state, report)
	a.checkDatabase(ctx, env, state, report)
	a.checkPorts(ctx, state, report)
	a.checkOutputs(state, report)
	a.checkAPI(ctx, env, state, report)
	a.checkSecretAccess(ctx, state, report)

	pass, warn, fail := report.Counts()
	logger.Info().
		Int("pass", pass).
		Int("warn", warn).
		Int("fail", fail).
		Msg("Audit complete")

	return report, nil
}

// checkSecret verifies the secret path carries the environment and that the
// stored value parses as a credential bundle.
func (a *Auditor) checkSecret(ctx context.Context, env models.Env, state *auditState, report *Report) {
	name := env.SecretName()

	if arn, ok := state.resources[resourceDatabaseSecret]; ok {
		state.secretARN = arn
		if strings.Contains(arn, name) {
			report.add("secret-path", StatusPass, fmt.Sprintf("secret %s carries the environment in its path", name))
		} else {
			report.add("secret-path", StatusFail, fmt.Sprintf("stack secret %s does not match the expected path %s", arn, name))
		}
	} else {
		report.add("secret-path", StatusFail, "stack has no DatabaseSecret resource")
	}

	bundle, err := a.store.Get(ctx, name)
	if err != nil {
		report.add("secret-bundle", StatusFail, fmt.Sprintf("unable to read %s: %v", name, err))
		return
	}
	if err := bundle.Validate(); err != nil {
		report.add("secret-bundle", StatusFail, fmt.Sprintf("secret %s is not a usable bundle: %v", name, err))
		return
	}

	state.bundle = bundle
	state.bundleOK = true
	report.add("secret-bundle", StatusPass, fmt.Sprintf("%s parses as a credential bundle for database %q", name, bundle.DBName))
}

// checkDatabase verifies the RDS instance exists and its identifier carries
// the environment, then captures its endpoint and security groups.
func (a *Auditor) checkDatabase(ctx context.Context, env models.Env, state *auditState, report *Report) {
	id, ok := state.resources[resourceDatabase]
	if !ok {
		id = env.DBInstanceIdentifier()
	}

	result, err := a.rdsClient.DescribeDBInstances(ctx, &rds.DescribeDBInstancesInput{
		DBInstanceIdentifier: aws.String(id),
	})
	if err != nil || len(result.DBInstances) == 0 {
		report.add("database-id", StatusFail, fmt.Sprintf("database instance %s not found: %v", id, err))
		return
	}

	db := result.DBInstances[0]
	identifier := aws.ToString(db.DBInstanceIdentifier)
	if strings.Contains(identifier, env.String()) {
		report.add("database-id", StatusPass, fmt.Sprintf("instance %s carries the environment in its identifier", identifier))
	} else {
		report.add("database-id", StatusFail, fmt.Sprintf("instance identifier %s does not contain %q", identifier, env))
	}

	state.dbFound = true
	if db.Endpoint != nil {
		state.dbEndpoint = aws.ToString(db.Endpoint.Address)
		state.dbPort = aws.ToInt32(db.Endpoint.Port)
	}
	for _, sg := range db.VpcSecurityGroups {
		if sg.VpcSecurityGroupId != nil {
			state.sgIDs = append(state.sgIDs, *sg.VpcSecurityGroupId)
		}
	}
}

// checkPorts verifies ingress, database, and secret all agree on the
// database port, and reports world-open ingress separately.
func (a *Auditor) checkPorts(ctx context.Context, state *auditState, report *Report) {
	if !state.dbFound || len(state.sgIDs) == 0 {
		report.add("port-alignment", StatusFail, "skipped: database instance or its security groups unresolved")
		return
	}

	result, err := a.ec2Client.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{
		GroupIds: state.sgIDs,
	})
	if err != nil {
		report.add("port-alignment", StatusFail, fmt.Sprintf("unable to describe security groups %v: %v", state.sgIDs, err))
		return
	}

	covered := false
	openToWorld := false
	for _, sg := range result.SecurityGroups {
		for _, perm := range sg.IpPermissions {
			if !portCovers(perm, state.dbPort) {
				continue
			}
			covered = true
			for _, ipRange := range perm.IpRanges {
				if aws.ToString(ipRange.CidrIp) == "0.0.0.0/0" {
					openToWorld = true
				}
			}
		}
	}

	if !covered {
		report.add("port-alignment", StatusFail, fmt.Sprintf("no ingress rule on %v covers the database port %d", state.sgIDs, state.dbPort))
	} else if state.bundleOK && state.bundle.Port.String() != strconv.Itoa(int(state.dbPort)) {
		report.add("port-alignment", StatusFail, fmt.Sprintf("secret records port %s but the database listens on %d", state.bundle.Port, state.dbPort))
	} else {
		report.add("port-alignment", StatusPass, fmt.Sprintf("ingress, database, and secret agree on port %d", state.dbPort))
	}

	if openToWorld {
		report.add("open-ingress", StatusWarn, fmt.Sprintf("database port %d accepts connections from 0.0.0.0/0", state.dbPort))
	}
}

// checkOutputs verifies the stack exposes exactly ApiUrl and
// DatabaseEndpoint, and that DatabaseEndpoint matches both the live RDS
// endpoint and the host recorded in the secret.
func (a *Auditor) checkOutputs(state *auditState, report *Report) {
	_, hasAPI := state.outputs["ApiUrl"]
	_, hasDB := state.outputs["DatabaseEndpoint"]
	if hasAPI && hasDB && len(state.outputs) == 2 {
		report.add("stack-outputs", StatusPass, "stack exposes exactly ApiUrl and DatabaseEndpoint")
	} else {
		keys := make([]string, 0, len(state.outputs))
		for key := range state.outputs {
			keys = append(keys, key)
		}
		report.add("stack-outputs", StatusFail, fmt.Sprintf("stack outputs %v, want exactly [ApiUrl DatabaseEndpoint]", keys))
	}

	endpoint := state.outputs["DatabaseEndpoint"]
	if endpoint == "" || !state.dbFound {
		report.add("database-endpoint", StatusFail, "skipped: output or database instance unresolved")
		return
	}

	switch {
	case endpoint != state.dbEndpoint:
		report.add("database-endpoint", StatusFail, fmt.Sprintf("output %s does not match the instance endpoint %s", endpoint, state.dbEndpoint))
	case state.bundleOK && state.bundle.Host != endpoint:
		report.add("database-endpoint", StatusFail, fmt.Sprintf("secret host %s does not match the endpoint output %s", state.bundle.Host, endpoint))
	default:
		report.add("database-endpoint", StatusPass, fmt.Sprintf("output, instance, and secret agree on %s", endpoint))
	}
}

// checkAPI verifies the HTTP API is live and fronts the deployed function,
// and that the function knows where its credentials live.
func (a *Auditor) checkAPI(ctx context.Context, env models.Env, state *auditState, report *Report) {
	apiID, ok := state.resources[resourceHTTPAPI]
	if !ok {
		report.add("api-endpoint", StatusFail, "stack has no HttpApi resource")
	} else {
		api, err := a.apigwClient.GetApi(ctx, &apigatewayv2.GetApiInput{ApiId: aws.String(apiID)})
		if err != nil {
			report.add("api-endpoint", StatusFail, fmt.Sprintf("unable to describe API %s: %v", apiID, err))
		} else {
			endpoint := aws.ToString(api.ApiEndpoint)
			apiURL := state.outputs["ApiUrl"]
			if apiURL != "" && strings.HasPrefix(apiURL, endpoint) {
				report.add("api-endpoint", StatusPass, fmt.Sprintf("ApiUrl output is served by API %s", apiID))
			} else {
				report.add("api-endpoint", StatusFail, fmt.Sprintf("ApiUrl output %q does not start with the API endpoint %s", apiURL, endpoint))
			}
		}
	}

	functionName, ok := state.resources[resourceAPIFunction]
	if !ok {
		report.add("function-config", StatusFail, "stack has no ApiFunction resource")
		return
	}
	cfg, err := a.lambdaClient.GetFunctionConfiguration(ctx, &lambda.GetFunctionConfigurationInput{
		FunctionName: aws.String(functionName),
	})
	if err != nil {
		report.add("function-config", StatusFail, fmt.Sprintf("unable to describe function %s: %v", functionName, err))
		return
	}

	state.roleARN = aws.ToString(cfg.Role)

	var secretName string
	if cfg.Environment != nil {
		secretName = cfg.Environment.Variables["DB_SECRET_NAME"]
	}
	switch {
	case secretName == "":
		report.add("function-config", StatusFail, fmt.Sprintf("function %s has no DB_SECRET_NAME", functionName))
	case secretName != env.SecretName():
		report.add("function-config", StatusFail, fmt.Sprintf("function %s reads %s, want %s", functionName, secretName, env.SecretName()))
	default:
		report.add("function-config", StatusPass, fmt.Sprintf("function %s reads credentials from %s", functionName, secretName))
	}
}

// checkSecretAccess simulates the function role against the secret instead
// of trusting the template: an attached deny or a boundary would not show up
// in the role's own policy document.
func (a *Auditor) checkSecretAccess(ctx context.Context, state *auditState, report *Report) {
	if state.roleARN == "" || state.secretARN == "" {
		report.add("secret-access", StatusFail, "skipped: function role or secret unresolved")
		return
	}

	result, err := a.iamClient.SimulatePrincipalPolicy(ctx, &iam.SimulatePrincipalPolicyInput{
		PolicySourceArn: aws.String(state.roleARN),
		ActionNames:     []string{"secretsmanager:GetSecretValue"},
		ResourceArns:    []string{state.secretARN},
	})
	if err != nil {
		report.add("secret-access", StatusFail, fmt.Sprintf("policy simulation failed: %v", err))
		return
	}

	allowed := len(result.EvaluationResults) > 0
	for _, eval := range result.EvaluationResults {
		if eval.EvalDecision != iamtypes.PolicyEvaluationDecisionTypeAllowed {
			allowed = false
		}
	}

	if allowed {
		report.add("secret-access", StatusPass, "function role may read the credential secret")
	} else {
		report.add("secret-access", StatusFail, fmt.Sprintf("role %s is denied secretsmanager:GetSecretValue on %s", state.roleARN, state.secretARN))
	}
}

// portCovers reports whether the permission's port range includes port.
func portCovers(perm ec2types.IpPermission, port int32) bool {
	protocol := aws.ToString(perm.IpProtocol)
	if protocol == "-1" {
		return true
	}
	if protocol != "tcp" && protocol != "6" {
		return false
	}

	from := int32(0)
	to := int32(65535)
	if perm.FromPort != nil {
		from = *perm.FromPort
	}
	if perm.ToPort != nil {
		to = *perm.ToPort
	}
	return port >= from && port <= to
}
