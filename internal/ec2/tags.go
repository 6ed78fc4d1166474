package ec2

import (
	"maps"
	"slices"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
)

const (
	// 'Name' is well-known within AWS itself, the rest are ours.
	tagKeyName    = "Name"
	tagKeyTool    = "ec2-rescue:tool"
	tagKeyRun     = "ec2-rescue:run"
	tagKeyTarget  = "ec2-rescue:target"
	tagDefaultApp = "ec2-rescue"
)

// tagSpecificationWithDefaults produces a tag specification where the default
// tags are appended to the end of the 'withTags' values.
func tagSpecificationWithDefaults(rt types.ResourceType, withTags ...types.Tag) []types.TagSpecification {
	return []types.TagSpecification{
		{
			ResourceType: rt,
			Tags:         append(withTags, tagsDefault()...),
		},
	}
}

// tagsDefault produces the key-value pairs associated to every created EC2
// resource.
func tagsDefault() []types.Tag {
	return []types.Tag{
		{
			Key:   aws.String(tagKeyTool),
			Value: aws.String(tagDefaultApp),
		},
	}
}

func tagName(name string) types.Tag {
	return types.Tag{
		Key:   aws.String(tagKeyName),
		Value: aws.String(name),
	}
}

// RunTags returns the tags correlating a created resource to a single rescue
// run of a single target instance.
func RunTags(runID, targetID string) map[string]string {
	tags := map[string]string{tagKeyRun: runID}
	if targetID != "" {
		tags[tagKeyTarget] = targetID
	}
	return tags
}

// tagsFromMap converts 'm' to EC2 tags, ordered by key.
func tagsFromMap(m map[string]string) []types.Tag {
	tags := make([]types.Tag, 0, len(m))
	for _, k := range slices.Sorted(maps.Keys(m)) {
		tags = append(tags, types.Tag{
			Key:   aws.String(k),
			Value: aws.String(m[k]),
		})
	}
	return tags
}
