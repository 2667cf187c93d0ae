package pgconfig_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/videocore/internal/adapters/pgconfig"
	"github.com/technosupport/videocore/internal/contracts"
	"github.com/technosupport/videocore/internal/geometry"
)

func TestGetReturnsDefaultWhenMissing(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT value FROM config_entries").
		WithArgs("alarms", "cooldown_s").
		WillReturnError(sql.ErrNoRows)

	s := pgconfig.New(db)
	v, err := s.Get(context.Background(), "alarms", "cooldown_s", "30")
	require.NoError(t, err)
	assert.Equal(t, "30", v)
}

func TestGetReturnsStoredValue(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	rows := sqlmock.NewRows([]string{"value"}).AddRow("45")
	mock.ExpectQuery("SELECT value FROM config_entries").
		WithArgs("alarms", "cooldown_s").
		WillReturnRows(rows)

	s := pgconfig.New(db)
	v, err := s.Get(context.Background(), "alarms", "cooldown_s", "30")
	require.NoError(t, err)
	assert.Equal(t, "45", v)
}

func TestPutUpsertsAndReportsNewRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO config_entries").
		WithArgs("alarms", "cooldown_s", "60").
		WillReturnResult(sqlmock.NewResult(1, 1))

	s := pgconfig.New(db)
	created, err := s.Put(context.Background(), "alarms", "cooldown_s", "60")
	require.NoError(t, err)
	assert.True(t, created)
}

func TestGetCameraConfigDecodesJSONDoc(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	doc := contracts.CameraConfigDoc{CameraID: "cam-1", Name: "Lobby", Width: 1920, Height: 1080}
	raw, err := json.Marshal(doc)
	require.NoError(t, err)

	rows := sqlmock.NewRows([]string{"doc", "updated_at", "deleted_at"}).
		AddRow(raw, time.Now(), nil)
	mock.ExpectQuery("SELECT doc, updated_at, deleted_at FROM camera_configs").
		WithArgs("cam-1").
		WillReturnRows(rows)

	s := pgconfig.New(db)
	got, found, err := s.GetCameraConfig(context.Background(), "cam-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "Lobby", got.Name)
	assert.Equal(t, 1920, got.Width)
}

func TestGetCameraConfigReportsNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT doc, updated_at, deleted_at FROM camera_configs").
		WithArgs("cam-missing").
		WillReturnError(sql.ErrNoRows)

	s := pgconfig.New(db)
	_, found, err := s.GetCameraConfig(context.Background(), "cam-missing")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSoftDeleteCameraReturnsNotFoundWhenNoRowsAffected(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("UPDATE camera_configs SET deleted_at").
		WithArgs("cam-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	s := pgconfig.New(db)
	err = s.SoftDeleteCamera(context.Background(), "cam-1")
	assert.ErrorIs(t, err, pgconfig.ErrRecordNotFound)
}

func TestGetCameraConfigDecodesROIsAndRules(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	doc := contracts.CameraConfigDoc{
		CameraID: "cam-1",
		Width:    640,
		Height:   480,
		ROIs: []contracts.ROIConfig{
			{ID: "roi-1", Vertices: []geometry.Point{{X: 0, Y: 0}, {X: 10, Y: 0}, {X: 10, Y: 10}}, Priority: 1, Enabled: true},
		},
		Rules: []contracts.RuleConfig{
			{RuleID: "rule-1", Kind: "Intrusion", ROIRef: "roi-1", MinConfidence: 0.8, Enabled: true},
		},
	}
	raw, err := json.Marshal(doc)
	require.NoError(t, err)

	rows := sqlmock.NewRows([]string{"doc", "updated_at", "deleted_at"}).
		AddRow(raw, time.Now(), nil)
	mock.ExpectQuery("SELECT doc, updated_at, deleted_at FROM camera_configs").
		WithArgs("cam-1").
		WillReturnRows(rows)

	s := pgconfig.New(db)
	got, found, err := s.GetCameraConfig(context.Background(), "cam-1")
	require.NoError(t, err)
	require.True(t, found)
	require.Len(t, got.ROIs, 1)
	assert.Equal(t, "roi-1", got.ROIs[0].ID)
	require.Len(t, got.Rules, 1)
	assert.Equal(t, "rule-1", got.Rules[0].RuleID)
}

func TestListCameraIDsReturnsAllRows(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	rows := sqlmock.NewRows([]string{"camera_id"}).AddRow("cam-1").AddRow("cam-2")
	mock.ExpectQuery("SELECT camera_id FROM camera_configs").WillReturnRows(rows)

	s := pgconfig.New(db)
	ids, err := s.ListCameraIDs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []contracts.CameraID{"cam-1", "cam-2"}, ids)
}
