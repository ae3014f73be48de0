package provision

import (
	"maps"
	"slices"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
)

// MergeParameters merges multiple parameter maps with later maps having higher precedence
// Returns a CloudFormation parameter list with merged results, sorted by key
func MergeParameters(pp ...map[string]string) []types.Parameter {
	m := map[string]string{}
	for _, p := range pp {
		maps.Copy(m, p)
	}

	var results []types.Parameter
	for _, k := range slices.Sorted(maps.Keys(m)) {
		results = append(results, types.Parameter{
			ParameterKey:   aws.String(k),
			ParameterValue: aws.String(m[k]),
		})
	}

	return results
}

// PreviousValue returns a parameter that keeps whatever value the stack
// already holds. Only meaningful on stack updates.
func PreviousValue(key string) types.Parameter {
	return types.Parameter{
		ParameterKey:     aws.String(key),
		UsePreviousValue: aws.Bool(true),
	}
}
