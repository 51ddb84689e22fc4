package stackmob

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"
)

// Schemer lets a model type name its schema explicitly. Without it the
// schema is the lowercased struct name.
type Schemer interface {
	Schema() string
}

// fieldInfo describes one mapped struct field.
type fieldInfo struct {
	name     string // wire attribute name
	index    int
	readonly bool
}

// modelInfo is the cached mapping of a struct type.
type modelInfo struct {
	typ    reflect.Type
	schema string
	fields []fieldInfo
	byName map[string]int // wire name -> fields index
}

var modelCache sync.Map // reflect.Type -> *modelInfo

// modelFor inspects a struct type and caches its attribute mapping.
//
// Field mapping rules:
//   - `stackmob:"name"` sets the wire attribute name
//   - `stackmob:"-"` skips the field
//   - `stackmob:"name,readonly"` marks a server-managed field that is
//     read but never sent
//   - untagged exported fields map to their lowercased name
//   - createddate and lastmoddate are always readonly
func modelFor(t reflect.Type) (*modelInfo, error) {
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("model must be a struct, got %s", t.Kind())
	}

	if cached, ok := modelCache.Load(t); ok {
		return cached.(*modelInfo), nil
	}

	info := &modelInfo{
		typ:    t,
		schema: schemaForType(t),
		byName: make(map[string]int),
	}

	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.PkgPath != "" || f.Anonymous {
			continue
		}

		name := strings.ToLower(f.Name)
		readonly := false

		if tag, ok := f.Tag.Lookup("stackmob"); ok {
			parts := strings.Split(tag, ",")
			if parts[0] == "-" {
				continue
			}
			if parts[0] != "" {
				name = parts[0]
			}
			for _, opt := range parts[1:] {
				if opt == "readonly" {
					readonly = true
				}
			}
		}

		// The server owns its timestamps.
		if name == "createddate" || name == "lastmoddate" {
			readonly = true
		}

		if prev, dup := info.byName[name]; dup {
			return nil, fmt.Errorf("duplicate attribute %q on %s (fields %s and %s)",
				name, t.Name(), t.Field(info.fields[prev].index).Name, f.Name)
		}

		info.byName[name] = len(info.fields)
		info.fields = append(info.fields, fieldInfo{name: name, index: i, readonly: readonly})
	}

	if len(info.fields) == 0 {
		return nil, fmt.Errorf("model %s has no mapped fields", t.Name())
	}

	modelCache.Store(t, info)
	return info, nil
}

// schemaForType derives the schema name from Schemer or the lowercased
// type name.
func schemaForType(t reflect.Type) string {
	if t.Implements(schemerType) {
		return reflect.New(t).Elem().Interface().(Schemer).Schema()
	}
	if reflect.PtrTo(t).Implements(schemerType) {
		return reflect.New(t).Interface().(Schemer).Schema()
	}
	return strings.ToLower(t.Name())
}

var schemerType = reflect.TypeOf((*Schemer)(nil)).Elem()

// SchemaOf returns the schema name a model maps to.
func SchemaOf(model interface{}) (string, error) {
	info, err := modelFor(reflect.TypeOf(model))
	if err != nil {
		return "", err
	}
	return info.schema, nil
}

// primaryKeyName is the conventional primary key attribute for a
// schema.
func primaryKeyName(schema string) string {
	return schema + "_id"
}

// primaryKey reads the model's primary key value. ok is false when the
// struct has no <schema>_id field.
func (mi *modelInfo) primaryKey(v reflect.Value, schema string) (string, bool) {
	idx, ok := mi.byName[primaryKeyName(schema)]
	if !ok {
		return "", false
	}
	fv := v.Field(mi.fields[idx].index)
	if fv.Kind() != reflect.String {
		return "", false
	}
	return fv.String(), true
}

// setPrimaryKey writes the model's primary key after a create.
func (mi *modelInfo) setPrimaryKey(v reflect.Value, schema, id string) {
	idx, ok := mi.byName[primaryKeyName(schema)]
	if !ok {
		return
	}
	fv := v.Field(mi.fields[idx].index)
	if fv.Kind() == reflect.String && fv.CanSet() {
		fv.SetString(id)
	}
}

// toAttributes renders a model as the wire attribute map. Readonly
// fields are dropped; when includePK is false the primary key is
// dropped too (updates carry it in the URL, not the body).
func (mi *modelInfo) toAttributes(v reflect.Value, schema string, includePK bool) (map[string]interface{}, error) {
	attrs := make(map[string]interface{}, len(mi.fields))
	pkName := primaryKeyName(schema)

	for _, f := range mi.fields {
		if f.readonly {
			continue
		}
		fv := v.Field(f.index)
		if f.name == pkName {
			if !includePK || (fv.Kind() == reflect.String && fv.String() == "") {
				continue
			}
		}

		encoded, skip, err := encodeFieldValue(fv)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", f.name, err)
		}
		if skip {
			continue
		}
		attrs[f.name] = encoded
	}
	return attrs, nil
}

// encodeFieldValue converts one struct field into its wire form:
// times become epoch milliseconds, related models collapse to their
// primary key ids, everything else passes through to JSON marshaling.
func encodeFieldValue(fv reflect.Value) (interface{}, bool, error) {
	if fv.Kind() == reflect.Ptr {
		if fv.IsNil() {
			return nil, true, nil
		}
		fv = fv.Elem()
	}

	switch val := fv.Interface().(type) {
	case time.Time:
		if val.IsZero() {
			return nil, true, nil
		}
		return val.UnixMilli(), false, nil
	case GeoPoint:
		return val, false, nil
	case json.RawMessage:
		return val, false, nil
	}

	switch fv.Kind() {
	case reflect.Struct:
		// A related model is sent as its id.
		id, err := relatedID(fv)
		if err != nil {
			return nil, false, err
		}
		if id == "" {
			return nil, true, nil
		}
		return id, false, nil

	case reflect.Slice:
		if fv.Type().Elem().Kind() != reflect.Struct {
			return fv.Interface(), false, nil
		}
		if fv.Type().Elem() == reflect.TypeOf(GeoPoint{}) {
			return fv.Interface(), false, nil
		}
		ids := make([]string, 0, fv.Len())
		for i := 0; i < fv.Len(); i++ {
			id, err := relatedID(fv.Index(i))
			if err != nil {
				return nil, false, err
			}
			if id == "" {
				return nil, false, fmt.Errorf("related object at index %d has no id", i)
			}
			ids = append(ids, id)
		}
		return ids, false, nil
	}

	return fv.Interface(), false, nil
}

// relatedID extracts the primary key of a related model value.
func relatedID(fv reflect.Value) (string, error) {
	info, err := modelFor(fv.Type())
	if err != nil {
		return "", err
	}
	id, ok := info.primaryKey(fv, info.schema)
	if !ok {
		return "", fmt.Errorf("related type %s has no %s field", fv.Type().Name(), primaryKeyName(info.schema))
	}
	return id, nil
}

// decodeInto maps a wire object onto a model struct. model must be a
// non-nil struct pointer.
func decodeInto(data json.RawMessage, model interface{}) error {
	v := reflect.ValueOf(model)
	if v.Kind() != reflect.Ptr || v.IsNil() {
		return fmt.Errorf("model must be a non-nil pointer")
	}
	v = v.Elem()

	info, err := modelFor(v.Type())
	if err != nil {
		return err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}

	for _, f := range info.fields {
		rawVal, ok := raw[f.name]
		if !ok || string(rawVal) == "null" {
			continue
		}
		if err := decodeField(rawVal, v.Field(f.index)); err != nil {
			return fmt.Errorf("field %q: %w", f.name, err)
		}
	}
	return nil
}

// decodeField maps one wire value onto a struct field. Relation fields
// arrive as id strings unless the request expanded them, so struct
// fields accept both forms.
func decodeField(raw json.RawMessage, fv reflect.Value) error {
	if fv.Kind() == reflect.Ptr {
		if fv.IsNil() {
			fv.Set(reflect.New(fv.Type().Elem()))
		}
		fv = fv.Elem()
	}

	switch fv.Interface().(type) {
	case time.Time:
		var ms int64
		if err := json.Unmarshal(raw, &ms); err != nil {
			return err
		}
		fv.Set(reflect.ValueOf(time.UnixMilli(ms).UTC()))
		return nil
	case GeoPoint, json.RawMessage:
		return json.Unmarshal(raw, fv.Addr().Interface())
	}

	switch fv.Kind() {
	case reflect.Struct:
		if len(raw) > 0 && raw[0] == '"' {
			var id string
			if err := json.Unmarshal(raw, &id); err != nil {
				return err
			}
			info, err := modelFor(fv.Type())
			if err != nil {
				return err
			}
			info.setPrimaryKey(fv, info.schema, id)
			return nil
		}
		return decodeInto(raw, fv.Addr().Interface())

	case reflect.Slice:
		if fv.Type().Elem().Kind() != reflect.Struct || fv.Type().Elem() == reflect.TypeOf(GeoPoint{}) {
			return json.Unmarshal(raw, fv.Addr().Interface())
		}

		var elems []json.RawMessage
		if err := json.Unmarshal(raw, &elems); err != nil {
			return err
		}
		out := reflect.MakeSlice(fv.Type(), len(elems), len(elems))
		for i, elem := range elems {
			if err := decodeField(elem, out.Index(i)); err != nil {
				return err
			}
		}
		fv.Set(out)
		return nil
	}

	return json.Unmarshal(raw, fv.Addr().Interface())
}

// Store binds a schema to a model type for load/save convenience. All
// methods take a pointer to the model struct.
//
//	type Todo struct {
//	    ID    string `stackmob:"todo_id"`
//	    Title string `stackmob:"title"`
//	    Done  bool   `stackmob:"done"`
//	}
//
//	store := stackmob.NewStore(client, "todo")
//	todo := &Todo{Title: "ship it"}
//	err := store.Save(ctx, todo) // creates; todo.ID now set
//	todo.Done = true
//	err = store.Save(ctx, todo)  // updates
type Store struct {
	client ExtendedClient
	schema string
}

// NewStore creates a schema-bound store. An empty schema is derived
// from the model type on first use of each method that takes a model.
func NewStore(client ExtendedClient, schema string) *Store {
	return &Store{client: client, schema: schema}
}

// schemaFor resolves the effective schema for a model value.
func (s *Store) schemaFor(model interface{}) (string, error) {
	if s.schema != "" {
		return s.schema, nil
	}
	return SchemaOf(model)
}

// Save creates the object when its primary key is empty and updates it
// otherwise. After a create the generated id and server timestamps are
// written back onto the model.
func (s *Store) Save(ctx context.Context, model interface{}) error {
	v := reflect.ValueOf(model)
	if v.Kind() != reflect.Ptr || v.IsNil() {
		return fmt.Errorf("model must be a non-nil pointer")
	}

	schema, err := s.schemaFor(model)
	if err != nil {
		return err
	}
	info, err := modelFor(v.Type())
	if err != nil {
		return err
	}

	elem := v.Elem()
	id, hasPK := info.primaryKey(elem, schema)

	if !hasPK || id == "" {
		attrs, err := info.toAttributes(elem, schema, true)
		if err != nil {
			return err
		}
		var created json.RawMessage
		if err := s.client.Create(ctx, schema, attrs, &created); err != nil {
			return err
		}
		return decodeInto(created, model)
	}

	attrs, err := info.toAttributes(elem, schema, false)
	if err != nil {
		return err
	}
	var updated json.RawMessage
	if err := s.client.Update(ctx, schema, id, attrs, &updated); err != nil {
		return err
	}
	return decodeInto(updated, model)
}

// Load fetches the object with the given id into model.
func (s *Store) Load(ctx context.Context, id string, model interface{}) error {
	schema, err := s.schemaFor(model)
	if err != nil {
		return err
	}
	var raw json.RawMessage
	if err := s.client.Get(ctx, schema, id, &raw); err != nil {
		return err
	}
	return decodeInto(raw, model)
}

// Destroy deletes the object the model's primary key points at.
func (s *Store) Destroy(ctx context.Context, model interface{}) error {
	v := reflect.ValueOf(model)
	if v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return fmt.Errorf("model must be a non-nil pointer")
		}
		v = v.Elem()
	}

	schema, err := s.schemaFor(model)
	if err != nil {
		return err
	}
	info, err := modelFor(v.Type())
	if err != nil {
		return err
	}

	id, ok := info.primaryKey(v, schema)
	if !ok || id == "" {
		return fmt.Errorf("model has no %s value to delete by", primaryKeyName(schema))
	}
	return s.client.Delete(ctx, schema, id)
}

// Query runs a query, decoding results into dest, a pointer to a slice
// of the model type.
func (s *Store) Query(ctx context.Context, query *Query, dest interface{}) (*RangeInfo, error) {
	dv := reflect.ValueOf(dest)
	if dv.Kind() != reflect.Ptr || dv.IsNil() || dv.Elem().Kind() != reflect.Slice {
		return nil, fmt.Errorf("dest must be a non-nil pointer to a slice")
	}
	elemType := dv.Elem().Type().Elem()

	schema := s.schema
	if schema == "" {
		info, err := modelFor(elemType)
		if err != nil {
			return nil, err
		}
		schema = info.schema
	}

	var raws []json.RawMessage
	rng, err := s.client.Query(ctx, schema, query, &raws)
	if err != nil {
		return nil, err
	}

	out := reflect.MakeSlice(dv.Elem().Type(), len(raws), len(raws))
	for i, raw := range raws {
		target := out.Index(i)
		if elemType.Kind() == reflect.Ptr {
			target.Set(reflect.New(elemType.Elem()))
			if err := decodeInto(raw, target.Interface()); err != nil {
				return nil, err
			}
			continue
		}
		if err := decodeInto(raw, target.Addr().Interface()); err != nil {
			return nil, err
		}
	}
	dv.Elem().Set(out)
	return rng, nil
}
