package inspect

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/ttp-processor-demo/txn-etl/blobstore"
	"github.com/withObsrvr/ttp-processor-demo/txn-etl/logging"
	"github.com/withObsrvr/ttp-processor-demo/txn-etl/metrics"
	"github.com/withObsrvr/ttp-processor-demo/txn-etl/model"
	"github.com/withObsrvr/ttp-processor-demo/txn-etl/parquet"
)

func TestInspectExportedTables(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	uploader := parquet.NewUploader(blobstore.NewLocal(dir), "exports", "fungible_asset_processor", "run-1",
		nil, metrics.NewCollector(), logging.NewNopLogger())

	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	batches := [][]model.Row{
		{
			model.FungibleAssetToCoinMapping{FAMetadataAddress: "0xa", CoinType: "0x1::aptos_coin::AptosCoin", LastTransactionVersion: 3},
			model.FungibleAssetToCoinMapping{FAMetadataAddress: "0xb", CoinType: "0x1::usdc::USDC", LastTransactionVersion: 9},
		},
		{
			model.FungibleAssetToCoinMapping{FAMetadataAddress: "0xc", CoinType: "0x1::usdt::USDT", LastTransactionVersion: 15},
		},
	}
	for _, rows := range batches {
		_, err := uploader.UploadGeneric(ctx, model.TableFungibleAssetToCoinMappings, rows)
		require.NoError(t, err)
	}
	_, err := uploader.UploadGeneric(ctx, model.TableFungibleAssetActivities, []model.Row{
		model.FungibleAssetActivity{TransactionVersion: 21, EventIndex: -1, StorageID: "0x1", Type: "0x1::aptos_coin::GasFeeEvent", TransactionTimestamp: ts},
	})
	require.NoError(t, err)

	inspector, err := Open(filepath.Join(dir, "exports"))
	require.NoError(t, err)
	defer inspector.Close()

	stats, err := inspector.Tables(ctx, []string{
		model.TableFungibleAssetToCoinMappings,
		model.TableFungibleAssetActivities,
		model.TableCurrentFungibleAssetBalance,
	})
	require.NoError(t, err)
	require.Len(t, stats, 3)

	assert.Equal(t, 2, stats[0].Files)
	assert.Equal(t, int64(3), stats[0].Rows)
	require.NotNil(t, stats[0].MaxVersion)
	assert.Equal(t, int64(15), *stats[0].MaxVersion)

	assert.Equal(t, 1, stats[1].Files)
	assert.Equal(t, int64(1), stats[1].Rows)
	require.NotNil(t, stats[1].MaxVersion)
	assert.Equal(t, int64(21), *stats[1].MaxVersion)

	assert.Zero(t, stats[2].Files)
	assert.Nil(t, stats[2].MaxVersion)

	_, err = inspector.Table(ctx, "unknown")
	assert.Error(t, err)
}
