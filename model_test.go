package stackmob

import (
	"context"
	"encoding/json"
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testBook struct {
	ID        string     `stackmob:"book_id"`
	Title     string     `stackmob:"title"`
	Pages     int        `stackmob:"pages"`
	Genre     string     // untagged, maps to "genre"
	Published time.Time  `stackmob:"publishdate"`
	Author    testAuthor `stackmob:"author"`
	Created   time.Time  `stackmob:"createddate"`
	Modified  time.Time  `stackmob:"lastmoddate"`
	Internal  string     `stackmob:"-"`
}

func (testBook) Schema() string { return "book" }

type testAuthor struct {
	ID   string `stackmob:"author_id"`
	Name string `stackmob:"name"`
}

func (testAuthor) Schema() string { return "author" }

func TestModelForTagMapping(t *testing.T) {
	info, err := modelFor(reflect.TypeOf(testBook{}))
	require.NoError(t, err)

	assert.Equal(t, "book", info.schema)

	names := make([]string, len(info.fields))
	for i, f := range info.fields {
		names[i] = f.name
	}
	assert.Contains(t, names, "book_id")
	assert.Contains(t, names, "genre", "untagged fields map to their lowercased name")
	assert.NotContains(t, names, "internal", "dash-tagged fields are skipped")

	created := info.fields[info.byName["createddate"]]
	assert.True(t, created.readonly, "server timestamps are always readonly")
	modified := info.fields[info.byName["lastmoddate"]]
	assert.True(t, modified.readonly)
}

func TestModelForDuplicateAttribute(t *testing.T) {
	type clash struct {
		A string `stackmob:"title"`
		B string `stackmob:"title"`
	}
	_, err := modelFor(reflect.TypeOf(clash{}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate attribute")
}

func TestModelForRejectsNonStruct(t *testing.T) {
	_, err := modelFor(reflect.TypeOf(42))
	assert.Error(t, err)

	_, err = modelFor(reflect.TypeOf(map[string]string{}))
	assert.Error(t, err)
}

func TestSchemaOf(t *testing.T) {
	type Comment struct {
		ID   string `stackmob:"comment_id"`
		Text string `stackmob:"text"`
	}
	schema, err := SchemaOf(Comment{})
	require.NoError(t, err)
	assert.Equal(t, "comment", schema, "default schema is the lowercased type name")

	schema, err = SchemaOf(testBook{})
	require.NoError(t, err)
	assert.Equal(t, "book", schema, "Schemer overrides the type name")
}

func TestToAttributes(t *testing.T) {
	published := time.Date(2020, 5, 1, 0, 0, 0, 0, time.UTC)
	book := testBook{
		ID:        "b1",
		Title:     "Dune",
		Pages:     412,
		Genre:     "scifi",
		Published: published,
		Author:    testAuthor{ID: "a1"},
		Created:   time.Now(),
	}

	info, err := modelFor(reflect.TypeOf(book))
	require.NoError(t, err)

	attrs, err := info.toAttributes(reflect.ValueOf(book), "book", true)
	require.NoError(t, err)

	assert.Equal(t, "b1", attrs["book_id"])
	assert.Equal(t, "Dune", attrs["title"])
	assert.Equal(t, 412, attrs["pages"])
	assert.Equal(t, published.UnixMilli(), attrs["publishdate"])
	assert.Equal(t, "a1", attrs["author"], "related models collapse to their id")
	assert.NotContains(t, attrs, "createddate", "readonly fields are never sent")
	assert.NotContains(t, attrs, "lastmoddate")

	attrs, err = info.toAttributes(reflect.ValueOf(book), "book", false)
	require.NoError(t, err)
	assert.NotContains(t, attrs, "book_id", "updates carry the id in the URL, not the body")
}

func TestToAttributesSkipsEmptyValues(t *testing.T) {
	book := testBook{Title: "Untitled"}
	info, err := modelFor(reflect.TypeOf(book))
	require.NoError(t, err)

	attrs, err := info.toAttributes(reflect.ValueOf(book), "book", true)
	require.NoError(t, err)

	assert.NotContains(t, attrs, "book_id", "empty primary key is dropped so the server generates one")
	assert.NotContains(t, attrs, "publishdate", "zero times are dropped")
	assert.NotContains(t, attrs, "author", "related model without an id is dropped")
}

func TestToAttributesRelatedSlice(t *testing.T) {
	type shelf struct {
		ID    string       `stackmob:"shelf_id"`
		Books []testAuthor `stackmob:"authors"`
	}
	s := shelf{Books: []testAuthor{{ID: "a1"}, {ID: "a2"}}}

	info, err := modelFor(reflect.TypeOf(s))
	require.NoError(t, err)
	attrs, err := info.toAttributes(reflect.ValueOf(s), "shelf", true)
	require.NoError(t, err)
	assert.Equal(t, []string{"a1", "a2"}, attrs["authors"])

	s.Books = []testAuthor{{Name: "no id"}}
	_, err = info.toAttributes(reflect.ValueOf(s), "shelf", true)
	assert.Error(t, err, "related objects in a slice must carry ids")
}

func TestDecodeInto(t *testing.T) {
	published := time.Date(2020, 5, 1, 0, 0, 0, 0, time.UTC)
	data := map[string]interface{}{
		"book_id":     "b1",
		"title":       "Dune",
		"pages":       412,
		"genre":       "scifi",
		"publishdate": published.UnixMilli(),
		"author":      "a1",
		"createddate": 1700000000000,
	}
	raw, err := json.Marshal(data)
	require.NoError(t, err)

	var book testBook
	require.NoError(t, decodeInto(raw, &book))

	assert.Equal(t, "b1", book.ID)
	assert.Equal(t, "Dune", book.Title)
	assert.Equal(t, 412, book.Pages)
	assert.Equal(t, "scifi", book.Genre)
	assert.True(t, published.Equal(book.Published))
	assert.Equal(t, "a1", book.Author.ID, "unexpanded relations arrive as id strings")
	assert.Equal(t, time.UnixMilli(1700000000000).UTC(), book.Created)
}

func TestDecodeIntoExpandedRelation(t *testing.T) {
	raw := []byte(`{"book_id": "b1", "title": "Dune", "author": {"author_id": "a1", "name": "Herbert"}}`)

	var book testBook
	require.NoError(t, decodeInto(raw, &book))
	assert.Equal(t, "a1", book.Author.ID)
	assert.Equal(t, "Herbert", book.Author.Name)
}

func TestDecodeIntoMalformed(t *testing.T) {
	var book testBook
	err := decodeInto([]byte(`not json`), &book)
	assert.ErrorIs(t, err, ErrInvalidResponse)

	assert.Error(t, decodeInto([]byte(`{}`), testBook{}), "model must be a pointer")
}

func TestStoreSaveCreatesThenUpdates(t *testing.T) {
	mp := newMockPlatform()
	defer mp.Close()
	client := newTestClient(t, mp)
	defer client.Close()

	store := NewStore(client, "book")
	book := &testBook{Title: "Dune", Pages: 412}

	require.NoError(t, store.Save(context.Background(), book))
	assert.NotEmpty(t, book.ID, "create writes the generated id back")
	assert.False(t, book.Created.IsZero(), "create writes server timestamps back")

	createdID := book.ID
	book.Pages = 500
	require.NoError(t, store.Save(context.Background(), book))
	assert.Equal(t, createdID, book.ID)

	last := mp.lastRequest()
	require.NotNil(t, last)
	assert.Equal(t, "PUT", last.Method)
	assert.Equal(t, "/book/"+createdID, last.Path)
	assert.NotContains(t, string(last.Body), "book_id", "update body omits the primary key")
}

func TestStoreLoadAndDestroy(t *testing.T) {
	mp := newMockPlatform()
	defer mp.Close()
	client := newTestClient(t, mp)
	defer client.Close()

	mp.seed("book", "b1", map[string]interface{}{"title": "Dune", "pages": 412})

	store := NewStore(client, "book")
	var book testBook
	require.NoError(t, store.Load(context.Background(), "b1", &book))
	assert.Equal(t, "b1", book.ID)
	assert.Equal(t, "Dune", book.Title)

	require.NoError(t, store.Destroy(context.Background(), &book))
	err := store.Load(context.Background(), "b1", &book)
	assert.True(t, IsNotFound(err))
}

func TestStoreQuery(t *testing.T) {
	mp := newMockPlatform()
	defer mp.Close()
	client := newTestClient(t, mp)
	defer client.Close()

	mp.seed("book", "b1", map[string]interface{}{"title": "Dune", "genre": "scifi"})
	mp.seed("book", "b2", map[string]interface{}{"title": "Hobbit", "genre": "fantasy"})
	mp.seed("book", "b3", map[string]interface{}{"title": "Foundation", "genre": "scifi"})

	store := NewStore(client, "book")
	var books []testBook
	_, err := store.Query(context.Background(), NewQuery().EqualTo("genre", "scifi"), &books)
	require.NoError(t, err)

	require.Len(t, books, 2)
	assert.Equal(t, "Dune", books[0].Title)
	assert.Equal(t, "Foundation", books[1].Title)

	// Pointer element slices decode too.
	var ptrs []*testBook
	_, err = store.Query(context.Background(), NewQuery().EqualTo("genre", "fantasy"), &ptrs)
	require.NoError(t, err)
	require.Len(t, ptrs, 1)
	assert.Equal(t, "Hobbit", ptrs[0].Title)
}

func TestStoreSchemaDerivedFromModel(t *testing.T) {
	mp := newMockPlatform()
	defer mp.Close()
	client := newTestClient(t, mp)
	defer client.Close()

	store := NewStore(client, "")
	book := &testBook{Title: "Dune"}
	require.NoError(t, store.Save(context.Background(), book))

	last := mp.lastRequest()
	require.NotNil(t, last)
	assert.Equal(t, "/book", last.Path, "schema comes from the Schemer implementation")
}

func TestTypedStore(t *testing.T) {
	mp := newMockPlatform()
	defer mp.Close()
	client := newTestClient(t, mp)
	defer client.Close()

	books := NewTypedStore[testBook](client, "book")

	book := &testBook{Title: "Dune", Pages: 412}
	require.NoError(t, books.Save(context.Background(), book))
	require.NotEmpty(t, book.ID)

	loaded, err := books.Load(context.Background(), book.ID)
	require.NoError(t, err)
	assert.Equal(t, "Dune", loaded.Title)

	list, _, err := books.Query(context.Background(), NewQuery().EqualTo("title", "Dune"))
	require.NoError(t, err)
	require.Len(t, list, 1)

	first, err := books.First(context.Background(), NewQuery().EqualTo("title", "Dune"))
	require.NoError(t, err)
	assert.Equal(t, book.ID, first.ID)

	require.NoError(t, books.Destroy(context.Background(), book))
	_, err = books.Load(context.Background(), book.ID)
	assert.True(t, IsNotFound(err))
}

func TestTypedStoreFirstNotFound(t *testing.T) {
	mp := newMockPlatform()
	defer mp.Close()
	client := newTestClient(t, mp)
	defer client.Close()

	books := NewTypedStore[testBook](client, "book")
	_, err := books.First(context.Background(), NewQuery().EqualTo("title", "missing"))
	assert.True(t, IsNotFound(err))
}
