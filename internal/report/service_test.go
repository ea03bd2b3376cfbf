package report

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RegistryAccord/registryaccord-reports-go/internal/attachment"
	mock_blob "github.com/RegistryAccord/registryaccord-reports-go/internal/blob/mocks"
	errordefs "github.com/RegistryAccord/registryaccord-reports-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-reports-go/internal/event"
	"github.com/RegistryAccord/registryaccord-reports-go/internal/model"
	"github.com/RegistryAccord/registryaccord-reports-go/internal/storage"
)

var (
	owner    = model.Actor{UserID: "user-1"}
	stranger = model.Actor{UserID: "user-2"}
)

type fixture struct {
	svc      *Service
	store    storage.Store
	blobs    *mock_blob.MockStore
	events   *event.Memory
	category int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithStore(t, storage.NewMemory())
}

func newFixtureWithStore(t *testing.T, st storage.Store) *fixture {
	t.Helper()
	ctrl := gomock.NewController(t)
	blobs := mock_blob.NewMockStore(ctrl)
	blobs.EXPECT().URL(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, key string) (string, error) { return "https://media.test/" + key, nil }).
		AnyTimes()

	c, err := st.CreateCategory(context.Background(), model.Category{Name: "Road", Description: "Potholes"})
	require.NoError(t, err)

	events := event.NewMemory()
	gw := attachment.NewGateway(blobs, nil)
	return &fixture{
		svc:      NewService(st, gw, events, nil),
		store:    st,
		blobs:    blobs,
		events:   events,
		category: c.ID,
	}
}

func (f *fixture) input() CreateInput {
	return CreateInput{
		Title:       "Broken streetlight",
		Description: "The light at the corner has been out for a week.",
		CategoryID:  f.category,
	}
}

func ptr(v float64) *float64 { return &v }

func photo(size int) *attachment.File {
	return &attachment.File{Name: "photo.png", ContentType: "image/png", SizeBytes: int64(size), Data: make([]byte, size)}
}

func TestCreateRequiresAuthentication(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Create(context.Background(), model.Actor{}, f.input(), nil)
	assert.Equal(t, errordefs.RPT_UNAUTHENTICATED, errordefs.CodeOf(err))
}

func TestCreatePersistsPendingReport(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	in := f.input()
	in.Title = "  Broken streetlight  "
	in.Severity = "HIGH"
	in.Location = &LocationInput{Lat: ptr(16.4752579), Lng: ptr(102.8222775), AccuracyMeters: ptr(12)}

	r, err := f.svc.Create(ctx, owner, in, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, r.ID)
	assert.Equal(t, "user-1", r.UserID)
	assert.Equal(t, "Broken streetlight", r.Title)
	assert.Equal(t, model.SeverityHigh, r.Severity)
	assert.Equal(t, model.StatusPending, r.Status)
	assert.Equal(t, r.CreatedAt, r.UpdatedAt)
	require.NotNil(t, r.Location)
	assert.Equal(t, 16.4752579, r.Location.Lat)
	assert.Equal(t, 12.0, *r.AccuracyMeters)
	assert.Nil(t, r.Attachment)

	stored, err := f.store.GetReport(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, r.ID, stored.ID)
	assert.Equal(t, []string{event.TypeReportCreated}, f.events.Types())
}

func TestCreateWithoutLocation(t *testing.T) {
	f := newFixture(t)
	in := f.input()
	in.Location = &LocationInput{}
	r, err := f.svc.Create(context.Background(), owner, in, nil)
	require.NoError(t, err)
	assert.Nil(t, r.Location)
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		mutate func(*CreateInput)
		code   errordefs.ErrorCode
	}{
		{"short title", func(in *CreateInput) { in.Title = "Hole" }, errordefs.RPT_VALIDATION},
		{"title padded with spaces", func(in *CreateInput) { in.Title = "  abc   " }, errordefs.RPT_VALIDATION},
		{"short description", func(in *CreateInput) { in.Description = "too short" }, errordefs.RPT_VALIDATION},
		{"zero category", func(in *CreateInput) { in.CategoryID = 0 }, errordefs.RPT_CATEGORY_NOT_FOUND},
		{"negative category", func(in *CreateInput) { in.CategoryID = -3 }, errordefs.RPT_CATEGORY_NOT_FOUND},
		{"bad severity", func(in *CreateInput) { in.Severity = "urgent" }, errordefs.RPT_VALIDATION},
		{"negative accuracy", func(in *CreateInput) {
			in.Location = &LocationInput{Lat: ptr(1), Lng: ptr(1), AccuracyMeters: ptr(-1)}
		}, errordefs.RPT_VALIDATION},
		{"latitude out of range", func(in *CreateInput) { in.Location = &LocationInput{Lat: ptr(91), Lng: ptr(0)} }, errordefs.RPT_INVALID_GEO},
		{"longitude out of range", func(in *CreateInput) { in.Location = &LocationInput{Lat: ptr(0), Lng: ptr(-180.5)} }, errordefs.RPT_INVALID_GEO},
		{"half location", func(in *CreateInput) { in.Location = &LocationInput{Lat: ptr(10)} }, errordefs.RPT_INVALID_GEO},
		{"unknown category", func(in *CreateInput) { in.CategoryID = 999 }, errordefs.RPT_CATEGORY_NOT_FOUND},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := f.input()
			tt.mutate(&in)
			_, err := f.svc.Create(context.Background(), owner, in, nil)
			assert.Equal(t, tt.code, errordefs.CodeOf(err))
		})
	}

	all, err := f.store.ListReports(context.Background(), model.ReportFilter{})
	require.NoError(t, err)
	assert.Empty(t, all, "rejected drafts must not persist")
	assert.Empty(t, f.events.Events())
}

func TestCreateValidationDetails(t *testing.T) {
	f := newFixture(t)
	in := f.input()
	in.Title = "abc"
	_, err := f.svc.Create(context.Background(), owner, in, nil)
	e, ok := errordefs.As(err)
	require.True(t, ok)
	details := e.Details.(map[string]interface{})
	assert.Contains(t, details["fields"], "title")
}

func TestCreateAttachmentSizeBoundary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Create(ctx, owner, f.input(), photo(int(model.MaxAttachmentBytes)+1))
	assert.Equal(t, errordefs.RPT_ATTACHMENT_TOO_LARGE, errordefs.CodeOf(err))

	f.blobs.EXPECT().Put(gomock.Any(), gomock.Any(), "image/png", gomock.Any()).Return(nil)
	r, err := f.svc.Create(ctx, owner, f.input(), photo(int(model.MaxAttachmentBytes)))
	require.NoError(t, err)
	require.NotNil(t, r.Attachment)
	assert.Equal(t, model.MaxAttachmentBytes, r.Attachment.SizeBytes)
	assert.True(t, strings.HasSuffix(r.Attachment.StorageKey, ".png"))
	assert.Equal(t, "https://media.test/"+r.Attachment.StorageKey, r.Attachment.URL)
}

func TestCreateRejectsNonImage(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Create(context.Background(), owner, f.input(),
		&attachment.File{Name: "doc.pdf", ContentType: "application/pdf", Data: []byte("%PDF")})
	assert.Equal(t, errordefs.RPT_UNSUPPORTED_MEDIA_TYPE, errordefs.CodeOf(err))
}

func TestCreateAbortsWhenUploadFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.blobs.EXPECT().Put(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(errors.New("s3 down"))
	_, err := f.svc.Create(ctx, owner, f.input(), photo(10))
	assert.Equal(t, errordefs.RPT_STORAGE, errordefs.CodeOf(err))
	assert.True(t, errordefs.Retryable(err))

	all, err := f.store.ListReports(ctx, model.ReportFilter{})
	require.NoError(t, err)
	assert.Empty(t, all)
}

type failingCreate struct {
	storage.Store
}

func (failingCreate) CreateReport(context.Context, model.Report) error {
	return errors.New("connection reset")
}

func TestCreateRemovesBlobWhenPersistFails(t *testing.T) {
	f := newFixtureWithStore(t, failingCreate{Store: storage.NewMemory()})

	var key string
	f.blobs.EXPECT().Put(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, k, _ string, _ []byte) error { key = k; return nil })
	f.blobs.EXPECT().Delete(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, k string) error {
			assert.Equal(t, key, k)
			return nil
		})

	_, err := f.svc.Create(context.Background(), owner, f.input(), photo(10))
	assert.Equal(t, errordefs.RPT_STORAGE, errordefs.CodeOf(err))
}

func TestGetReturnsCategoryAndHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r, err := f.svc.Create(ctx, owner, f.input(), nil)
	require.NoError(t, err)
	_, err = f.store.UpdateReport(ctx, r.ID, func(rep *model.Report) (*model.StatusChange, error) {
		rep.Status = model.StatusInProgress
		return &model.StatusChange{FromStatus: model.StatusPending, ToStatus: model.StatusInProgress, ChangedBy: "user-1"}, nil
	})
	require.NoError(t, err)

	details, err := f.svc.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, "Road", details.Category.Name)
	require.Len(t, details.History, 1)
	assert.Equal(t, model.StatusInProgress, details.History[0].ToStatus)

	_, err = f.svc.Get(ctx, "missing")
	assert.Equal(t, errordefs.RPT_NOT_FOUND, errordefs.CodeOf(err))
}

func TestListFiltersAndOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var ids []string
	for i := 0; i < 3; i++ {
		at := base.Add(time.Duration(i) * time.Hour)
		f.svc.now = func() time.Time { return at }
		r, err := f.svc.Create(ctx, owner, f.input(), nil)
		require.NoError(t, err)
		ids = append(ids, r.ID)
	}

	all, err := f.svc.List(ctx, model.ReportFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{ids[2], ids[1], ids[0]}, []string{all[0].ID, all[1].ID, all[2].ID})

	limited, err := f.svc.List(ctx, model.ReportFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	bogus := model.Status("closed")
	_, err = f.svc.List(ctx, model.ReportFilter{Status: &bogus})
	assert.Equal(t, errordefs.RPT_VALIDATION, errordefs.CodeOf(err))

	_, err = f.svc.List(ctx, model.ReportFilter{Limit: -1})
	assert.Equal(t, errordefs.RPT_VALIDATION, errordefs.CodeOf(err))
}

func TestDeleteByStrangerIsForbidden(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.blobs.EXPECT().Put(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil)
	r, err := f.svc.Create(ctx, owner, f.input(), photo(10))
	require.NoError(t, err)

	err = f.svc.Delete(ctx, stranger, r.ID)
	assert.Equal(t, errordefs.RPT_FORBIDDEN, errordefs.CodeOf(err))

	stored, err := f.store.GetReport(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, r.Attachment.StorageKey, stored.Attachment.StorageKey)

	assert.Equal(t, errordefs.RPT_UNAUTHENTICATED, errordefs.CodeOf(f.svc.Delete(ctx, model.Actor{}, r.ID)))
	assert.Equal(t, errordefs.RPT_NOT_FOUND, errordefs.CodeOf(f.svc.Delete(ctx, owner, "missing")))
}

func TestDeleteCascadesToAttachment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.blobs.EXPECT().Put(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil)
	r, err := f.svc.Create(ctx, owner, f.input(), photo(10))
	require.NoError(t, err)

	f.blobs.EXPECT().Delete(gomock.Any(), r.Attachment.StorageKey).Return(nil)
	require.NoError(t, f.svc.Delete(ctx, owner, r.ID))

	_, err = f.store.GetReport(ctx, r.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Equal(t, []string{event.TypeReportCreated, event.TypeReportDeleted}, f.events.Types())
}

func TestDeleteSucceedsWhenBlobRemovalFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.blobs.EXPECT().Put(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil)
	r, err := f.svc.Create(ctx, owner, f.input(), photo(10))
	require.NoError(t, err)

	f.blobs.EXPECT().Delete(gomock.Any(), gomock.Any()).Return(errors.New("timeout"))
	assert.NoError(t, f.svc.Delete(ctx, owner, r.ID))
}

func TestReplaceAttachment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.blobs.EXPECT().Put(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil).Times(2)
	r, err := f.svc.Create(ctx, owner, f.input(), photo(10))
	require.NoError(t, err)
	oldKey := r.Attachment.StorageKey

	_, err = f.svc.ReplaceAttachment(ctx, stranger, r.ID, photo(20))
	assert.Equal(t, errordefs.RPT_FORBIDDEN, errordefs.CodeOf(err))

	f.blobs.EXPECT().Delete(gomock.Any(), oldKey).Return(nil)
	updated, err := f.svc.ReplaceAttachment(ctx, owner, r.ID, photo(20))
	require.NoError(t, err)
	assert.NotEqual(t, oldKey, updated.Attachment.StorageKey)
	assert.Equal(t, int64(20), updated.Attachment.SizeBytes)
	assert.Equal(t, model.StatusPending, updated.Status)
	assert.Equal(t, r.CreatedAt, updated.CreatedAt)

	_, err = f.svc.ReplaceAttachment(ctx, owner, r.ID, &attachment.File{ContentType: "text/plain", Data: []byte("x")})
	assert.Equal(t, errordefs.RPT_UNSUPPORTED_MEDIA_TYPE, errordefs.CodeOf(err))
}

func TestStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := f.svc.Create(ctx, owner, f.input(), nil)
		require.NoError(t, err)
	}
	stats, err := f.svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Total)
	assert.Equal(t, int64(2), stats.ByStatus[model.StatusPending])
	assert.Equal(t, int64(0), stats.ByStatus[model.StatusCompleted])
	require.Len(t, stats.ByCategory, 1)
	assert.Equal(t, int64(2), stats.ByCategory[0].Count)
}
