package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/polite-crawler/internal/crawler"
)

func TestSavePageUpsertsRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock, "pages")
	require.NoError(t, err)

	fetched := time.Unix(1700000000, 0).UTC()
	page := crawler.PageRecord{
		URL:          "https://example.com/",
		FinalURL:     "https://example.com/",
		StatusCode:   200,
		ContentType:  "text/html",
		ContentBytes: 2048,
		Title:        "Example",
		Depth:        1,
		Outlinks:     []string{"https://example.com/a"},
		FetchedAt:    fetched,
		Duration:     250 * time.Millisecond,
	}

	mock.ExpectExec("INSERT INTO pages").
		WithArgs(
			page.URL,
			page.FinalURL,
			page.StatusCode,
			page.ContentType,
			page.ContentBytes,
			page.Title,
			page.Depth,
			[]byte(`["https://example.com/a"]`),
			fetched,
			int64(250),
			false,
			false,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.SavePage(context.Background(), page))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSavePageWrapsErrors(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock, "")
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO pages").WillReturnError(errors.New("connection reset"))
	err = store.SavePage(context.Background(), crawler.PageRecord{URL: "https://example.com/"})
	require.ErrorContains(t, err, "upsert page: connection reset")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateCreatesTable(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock, "crawl_pages")
	require.NoError(t, err)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS crawl_pages").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	require.NoError(t, store.Migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewWithPoolValidation(t *testing.T) {
	t.Parallel()

	_, err := NewWithPool(nil, "pages")
	require.Error(t, err)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	_, err = NewWithPool(mock, "pages; DROP TABLE x")
	require.ErrorContains(t, err, "invalid table name")

	_, err = Open(context.Background(), Config{})
	require.Error(t, err)
}
