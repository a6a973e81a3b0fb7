package connectors

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/recordbridge/recordbridge/src/configs"
)

func writeWorkbook(t *testing.T) string {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()

	_, err := f.NewSheet("Customer")
	require.NoError(t, err)
	require.NoError(t, f.SetSheetRow("Customer", "A1", &[]any{"id", "name", "", "email"}))
	require.NoError(t, f.SetSheetRow("Customer", "A2", &[]any{"c1", "Ada", "ignored", "ada@example.com"}))
	require.NoError(t, f.SetSheetRow("Customer", "A3", &[]any{"c2", "Alan"}))
	require.NoError(t, f.SetSheetRow("Customer", "A5", &[]any{"c3", "Grace", "", "grace@example.com"}))

	path := filepath.Join(t.TempDir(), "legacy.xlsx")
	require.NoError(t, f.SaveAs(path))
	return path
}

func TestXLSXSource(t *testing.T) {
	src, err := NewXLSXSource("legacy", writeWorkbook(t))
	require.NoError(t, err)
	ctx := context.Background()

	b, err := src.FetchBatch(ctx, "Customer", "", 2)
	require.NoError(t, err)
	require.Len(t, b.Records, 2)
	require.NotNil(t, b.Total)
	assert.EqualValues(t, 3, *b.Total)
	assert.Equal(t, "c1", b.Records[0].ID)
	assert.Equal(t, "legacy", b.Records[0].SourceService)
	assert.Equal(t, map[string]any{"id": "c1", "name": "Ada", "email": "ada@example.com"}, b.Records[0].Data)
	assert.Equal(t, map[string]any{"id": "c2", "name": "Alan"}, b.Records[1].Data)

	b, err = src.FetchBatch(ctx, "Customer", b.NextCursor, 2)
	require.NoError(t, err)
	require.Len(t, b.Records, 1)
	assert.Equal(t, "c3", b.Records[0].ID)
	assert.Empty(t, b.NextCursor)

	// 默认的空工作表
	b, err = src.FetchBatch(ctx, "Sheet1", "", 10)
	require.NoError(t, err)
	assert.Empty(t, b.Records)
}

func TestXLSXSourceMissingFile(t *testing.T) {
	_, err := NewXLSXSource("legacy", filepath.Join(t.TempDir(), "missing.xlsx"))
	assert.Error(t, err)
}

func TestNewFromConfigXLSX(t *testing.T) {
	cfg := configs.NewConfig()
	cfg.Connectors = map[string]configs.Connector{
		"legacy": {Type: configs.ConnectorXLSX, File: writeWorkbook(t)},
	}
	reg, err := NewFromConfig(cfg, nil)
	require.NoError(t, err)

	ex, err := reg.Extractor("legacy")
	require.NoError(t, err)
	b, err := ex.FetchBatch(context.Background(), "Customer", "", 10)
	require.NoError(t, err)
	assert.Len(t, b.Records, 3)

	_, err = reg.Loader("legacy")
	assert.ErrorIs(t, err, ErrConnectorNotFound)
}
