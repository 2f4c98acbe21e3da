package blob

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"pricestat/internal/config"
)

func TestSanitizeKey(t *testing.T) {
	require.Equal(t, "reports/a.xlsx", SanitizeKey("/reports/a.xlsx"))
	require.Equal(t, "a.xlsx", SanitizeKey("../../a.xlsx"))
	require.Equal(t, "charts/x/y.png", SanitizeKey("./charts/x/../x/y.png"))
}

func TestLocalUploadReturnsPath(t *testing.T) {
	dir := t.TempDir()
	up, err := New(context.Background(), config.Config{BlobDir: dir})
	require.NoError(t, err)

	ref, err := up.Upload(context.Background(), "reports/job-1.xlsx", []byte("data"), "application/octet-stream")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "reports", "job-1.xlsx"), ref)

	got, err := os.ReadFile(ref)
	require.NoError(t, err)
	require.Equal(t, "data", string(got))
}

func TestLocalUploadReturnsPublicURL(t *testing.T) {
	up := &Local{BaseDir: t.TempDir(), PublicBase: "https://files.example.com/pub/"}
	ref, err := up.Upload(context.Background(), "charts/06A 145.png", []byte{1}, "image/png")
	require.NoError(t, err)
	require.Equal(t, "https://files.example.com/pub/charts/06A%20145.png", ref)
}
