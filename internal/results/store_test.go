package results

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pothole-service/internal/model"
	"pothole-service/internal/repository"
)

func writeDoc(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestStoreLoadAllSkipsMalformedAndSorts(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, "old_1.json", `{"filename":"old.jpg","timestamp":1700000000,"detections":[],"metadata":{}}`)
	writeDoc(t, dir, "new_2.json", `{"filename":"new.jpg","timestamp":1700003600,"detections":[
		{"bbox":[1,2,30,40],"confidence":0.8,"class_id":0,"class_name":"pothole"}],
		"metadata":{"latitude":40.7,"longitude":-74.0,"weather":"rain"}}`)
	writeDoc(t, dir, "broken.json", `{"filename":`)
	writeDoc(t, dir, "missing.json", `{"filename":"x.jpg","detections":[]}`)
	writeDoc(t, dir, "notes.txt", `ignored`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "new_2.png"), []byte("png"), 0o644))

	records := NewStore(dir, zerolog.Nop()).LoadAll(context.Background())
	require.Len(t, records, 2)
	assert.Equal(t, "new.jpg", records[0].Filename)
	assert.Equal(t, "old.jpg", records[1].Filename)
	assert.Equal(t, filepath.Join(dir, "new_2.png"), records[0].ImagePath)
	assert.Equal(t, filepath.Join(dir, "new_2.png"), records[0].SourcePath())
	assert.Equal(t, filepath.Join(dir, "old_1.json"), records[1].SourcePath())
	require.NotNil(t, records[0].Metadata.Location)
	assert.Equal(t, "rain", records[0].Metadata.Extra["weather"])
}

func TestStoreLoadReportsMalformed(t *testing.T) {
	dir := t.TempDir()
	path := writeDoc(t, dir, "half.json", `{"filename":"a.jpg","timestamp":1,"detections":[],"metadata":{"latitude":1}}`)

	_, err := NewStore(dir, zerolog.Nop()).Load(path)
	var malformed *MalformedRecordError
	require.ErrorAs(t, err, &malformed)
	assert.Equal(t, path, malformed.Path)
}

func TestStoreLoadAllMissingDirectory(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "absent"), zerolog.Nop())
	assert.Empty(t, s.LoadAll(context.Background()))
	assert.NoError(t, s.Ping(context.Background()))
}

func TestStoreWriteAndReload(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := NewStore(dir, zerolog.Nop())

	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	meta := model.RunMetadata{Width: 640, Height: 480, Model: "YOLOv8", CapturedAt: at,
		Location: &model.Coordinates{Latitude: 40.7, Longitude: -74}}
	dets := []model.DetectedObject{{BBox: model.BoundingBox{1, 1, 5, 5}, Confidence: 0.9, ClassName: "pothole"}}

	rec, err := s.Write(ctx, "uploads/road.PNG", []byte("fake image"), dets, meta)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "road_1709287200.json"), rec.DocumentPath)
	assert.Equal(t, filepath.Join(dir, "road_1709287200.png"), rec.ImagePath)
	assert.FileExists(t, rec.ImagePath)

	loaded, err := s.Load(rec.DocumentPath)
	require.NoError(t, err)
	assert.Equal(t, "road.PNG", loaded.Filename)
	assert.Equal(t, rec.ImagePath, loaded.ImagePath)
	assert.Equal(t, dets, loaded.Detections)
	assert.Equal(t, 1, loaded.Metadata.DetectionCount)
	assert.True(t, at.Equal(loaded.Time()))
}

func TestStoreAsDetectionStore(t *testing.T) {
	ctx := context.Background()
	s := NewStore(t.TempDir(), zerolog.Nop())

	bad := []model.DetectedObject{{BBox: model.BoundingBox{5, 5, 1, 1}, Confidence: 0.5, ClassName: "pothole"}}
	_, err := s.SaveDetectionRun(ctx, "a.jpg", bad, model.RunMetadata{})
	var writeErr *repository.StorageWriteError
	require.ErrorAs(t, err, &writeErr)

	good := []model.DetectedObject{
		{BBox: model.BoundingBox{1, 1, 5, 5}, Confidence: 0.6, ClassName: "pothole"},
		{BBox: model.BoundingBox{2, 2, 6, 6}, Confidence: 0.8, ClassName: "pothole"},
	}
	saved, err := s.SaveDetectionRun(ctx, "a.jpg", good, model.RunMetadata{
		CapturedAt: time.Now(),
		Location:   &model.Coordinates{Latitude: 10, Longitude: 20},
	})
	require.NoError(t, err)
	assert.Zero(t, saved.ImageID)
	assert.FileExists(t, saved.DocumentPath)

	assert.Len(t, s.GetAllDetections(ctx), 2)
	stats := s.GetStatistics(ctx)
	assert.EqualValues(t, 1, stats.TotalImages)
	assert.InDelta(t, 0.7, stats.AvgConfidence, 1e-9)

	points := s.GetMapData(ctx)
	require.Len(t, points, 1)
	assert.Equal(t, 2, points[0].DetectionCount)
	assert.Equal(t, model.PotholeID(saved.DocumentPath), points[0].PotholeID)
}

func TestStoreSaveImageRun(t *testing.T) {
	ctx := context.Background()
	dets := []model.DetectedObject{{BBox: model.BoundingBox{1, 1, 5, 5}, Confidence: 0.7, ClassName: "pothole"}}
	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	t.Run("writes document and image", func(t *testing.T) {
		dir := t.TempDir()
		s := NewStore(dir, zerolog.Nop())

		saved, err := s.SaveImageRun(ctx, "road.jpg", []byte("img"), dets, model.RunMetadata{CapturedAt: at})
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(dir, "road_1709287200.json"), saved.DocumentPath)
		assert.FileExists(t, filepath.Join(dir, "road_1709287200.jpg"))

		records := s.LoadAll(ctx)
		require.Len(t, records, 1)
		assert.Equal(t, filepath.Join(dir, "road_1709287200.jpg"), records[0].SourcePath())
	})

	t.Run("invalid detection writes nothing", func(t *testing.T) {
		dir := t.TempDir()
		s := NewStore(dir, zerolog.Nop())

		bad := append([]model.DetectedObject{}, dets...)
		bad = append(bad, model.DetectedObject{BBox: model.BoundingBox{1, 1, 5, 5}, Confidence: 1.5, ClassName: "pothole"})
		_, err := s.SaveImageRun(ctx, "road.jpg", []byte("img"), bad, model.RunMetadata{CapturedAt: at})

		var writeErr *repository.StorageWriteError
		require.ErrorAs(t, err, &writeErr)
		assert.ErrorIs(t, err, model.ErrInvalidDetection)
		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("unwritable directory", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "not-a-dir")
		require.NoError(t, os.WriteFile(file, nil, 0o644))
		s := NewStore(file, zerolog.Nop())

		_, err := s.SaveImageRun(ctx, "road.jpg", nil, dets, model.RunMetadata{CapturedAt: at})
		var writeErr *repository.StorageWriteError
		require.ErrorAs(t, err, &writeErr)
		assert.Equal(t, "save detection run", writeErr.Op)
	})
}

func TestStoreRemove(t *testing.T) {
	ctx := context.Background()
	s := NewStore(t.TempDir(), zerolog.Nop())

	rec, err := s.Write(ctx, "road.jpg", []byte("img"), nil, model.RunMetadata{CapturedAt: time.Unix(1700000000, 0)})
	require.NoError(t, err)
	require.NoError(t, s.Remove(rec))

	assert.NoFileExists(t, rec.DocumentPath)
	assert.NoFileExists(t, rec.ImagePath)
	assert.Empty(t, s.LoadAll(ctx))
	assert.NoError(t, s.Remove(rec), "removing twice is not an error")
}
