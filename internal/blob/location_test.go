package blob

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLocation(t *testing.T) {
	loc, err := ParseLocation("s3://public-scans/sub-01/t1.nii.gz")
	require.NoError(t, err)
	assert.Equal(t, "s3", loc.Scheme)
	assert.Equal(t, "public-scans", loc.Bucket)
	assert.Equal(t, "sub-01/t1.nii.gz", loc.Key)
	assert.False(t, loc.IsLocal())
	assert.Equal(t, ".gz", loc.Ext())
	assert.Equal(t, "t1.nii.gz", loc.Base())

	local, err := ParseLocation("/data/imports/project.CSV")
	require.NoError(t, err)
	assert.True(t, local.IsLocal())
	assert.Equal(t, ".csv", local.Ext())
	assert.Equal(t, "/data/imports/project.CSV", local.String())
}

func TestParseLocationRejectsMalformedURIs(t *testing.T) {
	for _, raw := range []string{"", "   ", "s3://bucket-only", "s3:///key", "s3://bucket/"} {
		_, err := ParseLocation(raw)
		assert.Error(t, err, raw)
	}
}
