package fetcher

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForURL_HTTP(t *testing.T) {
	s, err := ForURL("https://data.brreg.no/enhetsregisteret/api/klassifikasjoner")
	require.NoError(t, err)
	assert.IsType(t, &HTTPSource{}, s)

	s, err = ForURL("http://www.ssb.no/klass/sn2007.csv")
	require.NoError(t, err)
	assert.IsType(t, &HTTPSource{}, s)
}

func TestForURL_FTP(t *testing.T) {
	s, err := ForURL("ftp://ftp.ssb.no/klass/sn2007.csv")
	require.NoError(t, err)
	assert.IsType(t, &FTPSource{}, s)
}

func TestForURL_UnsupportedScheme(t *testing.T) {
	_, err := ForURL("s3://bucket/taxonomy.csv")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported scheme")
}
