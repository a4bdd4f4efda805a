package integration_test

import (
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/lwhitby/sift/internal/catalog"
	"github.com/lwhitby/sift/internal/database"
	"github.com/lwhitby/sift/tests/helpers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_CatalogStore_UpsertFile(t *testing.T) {
	db := helpers.RequireDatabase(t)
	helpers.TruncateAll(t, db)
	store := catalog.NewStore()

	file, err := store.UpsertFile(db, "/drop/a.mp4", "hash-1", catalog.Original)
	require.NoError(t, err)
	assert.NotZero(t, file.ID)
	assert.Equal(t, catalog.Original, file.Kind)

	// Re-observing the same path refreshes the hash but keeps the row
	// (and its kind), even when the caller guesses the kind differently.
	again, err := store.UpsertFile(db, "/drop/a.mp4", "hash-2", catalog.Derivative)
	require.NoError(t, err)
	assert.Equal(t, file.ID, again.ID)
	assert.Equal(t, "hash-2", again.ContentHash)
	assert.Equal(t, catalog.Original, again.Kind)

	files, err := store.ListFiles(db)
	require.NoError(t, err)
	assert.Len(t, files, 1)
}

func Test_CatalogStore_ListFiles_FiltersByKind(t *testing.T) {
	db := helpers.RequireDatabase(t)
	helpers.TruncateAll(t, db)
	store := catalog.NewStore()

	_, err := store.UpsertFile(db, "/drop/a.mp4", "h1", catalog.Original)
	require.NoError(t, err)
	_, err = store.UpsertFile(db, "/drop/a.mp4.wav", "h2", catalog.Derivative)
	require.NoError(t, err)

	originals, err := store.ListFiles(db, catalog.Original)
	require.NoError(t, err)
	require.Len(t, originals, 1)
	assert.Equal(t, "/drop/a.mp4", originals[0].Path)

	all, err := store.ListFiles(db)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func Test_CatalogStore_ParseLifecycle(t *testing.T) {
	db := helpers.RequireDatabase(t)
	helpers.TruncateAll(t, db)
	store := catalog.NewStore()

	file, err := store.UpsertFile(db, "/drop/a.mp4", "h1", catalog.Original)
	require.NoError(t, err)

	parse, err := store.UpsertParse(db, file.ID, "extract", catalog.Pending)
	require.NoError(t, err)
	assert.Equal(t, catalog.Pending, parse.Status)
	assert.Nil(t, parse.OutputPath)

	parse, err = store.UpsertParse(db, file.ID, "extract", catalog.Processing)
	require.NoError(t, err)
	assert.Equal(t, catalog.Processing, parse.Status)

	parse, err = store.CompleteParse(db, file.ID, "extract", "/drop/a.mp4.wav")
	require.NoError(t, err)
	assert.Equal(t, catalog.Done, parse.Status)
	require.NotNil(t, parse.OutputPath)
	assert.Equal(t, "/drop/a.mp4.wav", *parse.OutputPath)

	found, err := store.GetParseByOutputPath(db, "/drop/a.mp4.wav")
	require.NoError(t, err)
	assert.Equal(t, "extract", found.Processor)

	failed, err := store.FailParse(db, file.ID, "extract", "ffmpeg blew up")
	require.NoError(t, err)
	assert.Equal(t, catalog.Failed, failed.Status)
	assert.Nil(t, failed.OutputPath, "failed parses record no output")
	require.NotNil(t, failed.Error)
	assert.Equal(t, "ffmpeg blew up", *failed.Error)
}

// A parse can only be done when it records the derivative it produced;
// the schema enforces this, not just the store.
func Test_CatalogStore_DoneRequiresOutputPath(t *testing.T) {
	db := helpers.RequireDatabase(t)
	helpers.TruncateAll(t, db)
	store := catalog.NewStore()

	file, err := store.UpsertFile(db, "/drop/a.mp4", "h1", catalog.Original)
	require.NoError(t, err)
	_, err = store.UpsertParse(db, file.ID, "extract", catalog.Pending)
	require.NoError(t, err)

	_, err = db.Exec(`UPDATE parses SET status='done' WHERE file_id=$1 AND processor='extract'`, file.ID)
	assert.Error(t, err)

	_, err = db.Exec(`UPDATE parses SET output_path='/somewhere' WHERE file_id=$1 AND processor='extract'`, file.ID)
	assert.Error(t, err, "non-done parses must not carry an output path")
}

func Test_CatalogStore_ResetParsesByOutputPath(t *testing.T) {
	db := helpers.RequireDatabase(t)
	helpers.TruncateAll(t, db)
	store := catalog.NewStore()

	file, err := store.UpsertFile(db, "/drop/a.mp4", "h1", catalog.Original)
	require.NoError(t, err)
	_, err = store.UpsertParse(db, file.ID, "extract", catalog.Pending)
	require.NoError(t, err)
	_, err = store.CompleteParse(db, file.ID, "extract", "/drop/a.mp4.wav")
	require.NoError(t, err)

	reset, err := store.ResetParsesByOutputPath(db, "/drop/a.mp4.wav")
	require.NoError(t, err)
	require.Len(t, reset, 1)
	assert.Equal(t, catalog.Pending, reset[0].Status)
	assert.Nil(t, reset[0].OutputPath)

	// Nothing references the path any more; a second reset is a no-op.
	reset, err = store.ResetParsesByOutputPath(db, "/drop/a.mp4.wav")
	require.NoError(t, err)
	assert.Empty(t, reset)
}

func Test_CatalogStore_DeleteFile_CascadesToParsesAndTags(t *testing.T) {
	db := helpers.RequireDatabase(t)
	helpers.TruncateAll(t, db)
	store := catalog.NewStore()

	file, err := store.UpsertFile(db, "/drop/a.mp4", "h1", catalog.Original)
	require.NoError(t, err)
	_, err = store.UpsertParse(db, file.ID, "extract", catalog.Pending)
	require.NoError(t, err)
	require.NoError(t, store.SetFileTag(db, file.ID, "meeting", nil))

	require.NoError(t, store.DeleteFile(db, file.ID))

	_, err = store.GetFileByID(db, file.ID)
	assert.ErrorIs(t, err, catalog.ErrFileNotFound)
	parses, err := store.ListParsesForFile(db, file.ID)
	require.NoError(t, err)
	assert.Empty(t, parses)
	tags, err := store.ListFileTags(db, file.ID)
	require.NoError(t, err)
	assert.Empty(t, tags)

	assert.ErrorIs(t, store.DeleteFile(db, file.ID), catalog.ErrFileNotFound)
}

func Test_CatalogStore_TagsAndMetadata(t *testing.T) {
	db := helpers.RequireDatabase(t)
	helpers.TruncateAll(t, db)
	store := catalog.NewStore()

	file, err := store.UpsertFile(db, "/drop/a.mp4", "h1", catalog.Original)
	require.NoError(t, err)

	value := "weekly sync"
	require.NoError(t, store.SetFileTag(db, file.ID, "meeting", &value))
	require.NoError(t, store.SetFileTag(db, file.ID, "priority", nil))

	tags, err := store.ListFileTags(db, file.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"meeting", "priority"}, catalog.TagKeys(tags))

	require.NoError(t, store.DeleteFileTag(db, file.ID, "priority"))
	tags, err = store.ListFileTags(db, file.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"meeting"}, catalog.TagKeys(tags))

	duration := "1920"
	require.NoError(t, store.SetFileMetadata(db, file.ID, "duration_seconds", &duration))
	metadata, err := store.ListFileMetadata(db, file.ID)
	require.NoError(t, err)
	require.Len(t, metadata, 1)
	assert.Equal(t, "duration_seconds", metadata[0].Key)
}

func Test_CatalogStore_QueueModeSetting(t *testing.T) {
	db := helpers.RequireDatabase(t)
	helpers.TruncateAll(t, db)
	store := catalog.NewStore()

	mode, err := store.QueueMode(db)
	require.NoError(t, err)
	assert.Equal(t, catalog.QueueModeAuto, mode, "unset queue mode defaults to auto")

	require.NoError(t, store.SetSetting(db, catalog.SettingQueueMode, catalog.QueueModeApproval))
	mode, err = store.QueueMode(db)
	require.NoError(t, err)
	assert.Equal(t, catalog.QueueModeApproval, mode)

	require.NoError(t, store.SetSetting(db, catalog.SettingQueueMode, "nonsense"))
	mode, err = store.QueueMode(db)
	require.NoError(t, err)
	assert.Equal(t, catalog.QueueModeAuto, mode, "unrecognised mode falls back to auto")
}

func Test_CatalogStore_ApprovalBatchLifecycle(t *testing.T) {
	db := helpers.RequireDatabase(t)
	helpers.TruncateAll(t, db)
	store := catalog.NewStore()

	file, err := store.UpsertFile(db, "/drop/a.mp4", "h1", catalog.Original)
	require.NoError(t, err)
	_, err = store.UpsertParse(db, file.ID, "extract", catalog.PendingApproval)
	require.NoError(t, err)
	_, err = store.UpsertParse(db, file.ID, "thumbnail", catalog.Pending)
	require.NoError(t, err)

	err = database.WrapTx(db, func(tx *sqlx.Tx) error {
		batch, err := store.CreateApprovalBatch(tx, "friday batch", 42.5)
		if err != nil {
			return err
		}

		// Only pending-approval parses can join a batch.
		if err := store.AssignParseToBatch(tx, batch.ID, file.ID, "extract"); err != nil {
			return err
		}
		require.ErrorIs(t, store.AssignParseToBatch(tx, batch.ID, file.ID, "thumbnail"), catalog.ErrParseNotFound)

		approved, err := store.ApproveParsesInBatch(tx, batch.ID)
		if err != nil {
			return err
		}
		require.Len(t, approved, 1)
		assert.Equal(t, catalog.Pending, approved[0].Status)

		return store.SetBatchStatus(tx, batch.ID, catalog.BatchProcessing)
	})
	require.NoError(t, err)

	batches, err := store.ListApprovalBatches(db, catalog.BatchProcessing)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, "friday batch", batches[0].Name)
	assert.InDelta(t, 42.5, batches[0].EstimatedCost, 0.0001)

	parses, err := store.ListParsesInBatch(db, batches[0].ID)
	require.NoError(t, err)
	require.Len(t, parses, 1)
	assert.Equal(t, "extract", parses[0].Processor)

	// Completion keeps batch membership so the batch can be settled.
	completed, err := store.CompleteParse(db, file.ID, "extract", "/drop/a.mp4.wav")
	require.NoError(t, err)
	require.NotNil(t, completed.ApprovalBatchID)
	assert.Equal(t, batches[0].ID, *completed.ApprovalBatchID)
}

func Test_CatalogStore_ProcessorConfigs(t *testing.T) {
	db := helpers.RequireDatabase(t)
	helpers.TruncateAll(t, db)
	store := catalog.NewStore()

	require.NoError(t, store.UpsertProcessorConfig(db, &catalog.ProcessorConfig{
		Name:            "extract",
		Implementation:  "extract_audio",
		InputExtensions: []string{".mp4"},
		OutputExt:       ".wav",
		IsEnabled:       true,
		Config: database.NewJsonColumn(map[string]interface{}{
			"ffmpeg_bin_path":  "/usr/bin/ffmpeg",
			"ffprobe_bin_path": "/usr/bin/ffprobe",
		}),
	}))
	require.NoError(t, store.UpsertProcessorConfig(db, &catalog.ProcessorConfig{
		Name:           "disabled",
		Implementation: "command",
		OutputExt:      ".out",
		IsEnabled:      false,
		Config:         database.NewJsonColumn(map[string]interface{}{}),
	}))

	enabled, err := store.ListProcessorConfigs(db, true)
	require.NoError(t, err)
	require.Len(t, enabled, 1)
	assert.Equal(t, "extract", enabled[0].Name)

	// The JSONB options column round-trips through the typed column.
	options := *enabled[0].Config.Get()
	assert.Equal(t, "/usr/bin/ffmpeg", options["ffmpeg_bin_path"])

	// Upserting an existing binding replaces its filter and options.
	require.NoError(t, store.UpsertProcessorConfig(db, &catalog.ProcessorConfig{
		Name:            "extract",
		Implementation:  "extract_audio",
		InputExtensions: []string{".mp4", ".mkv"},
		OutputExt:       ".wav",
		IsEnabled:       true,
		Config:          database.NewJsonColumn(map[string]interface{}{}),
	}))
	config, err := store.GetProcessorConfig(db, "extract")
	require.NoError(t, err)
	assert.Len(t, config.InputExtensions, 2)

	require.NoError(t, store.DeleteProcessorConfig(db, "extract"))
	all, err := store.ListProcessorConfigs(db, false)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "disabled", all[0].Name)
}
