// Copyright 2024 The Nakama Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/blugelabs/bluge"
	"github.com/blugelabs/bluge/analysis"
	"github.com/blugelabs/bluge/search"
)

const (
	documentIDField   = "_id"
	EntityTypeField   = "entity_type"
	EntityIDField     = "entity_id"
	documentRefSep    = ":"
	blugeTrueKeyword  = "T"
	blugeFalseKeyword = "F"
)

// DocumentRef identifies the indexed form of one entity.
type DocumentRef struct {
	EntityType string
	ID         string
}

func (r DocumentRef) String() string {
	return r.EntityType + documentRefSep + r.ID
}

func (r DocumentRef) Identifier() bluge.Identifier {
	return bluge.Identifier(r.String())
}

func ParseDocumentRef(id string) (DocumentRef, error) {
	idx := strings.Index(id, documentRefSep)
	if idx <= 0 {
		return DocumentRef{}, fmt.Errorf("invalid document id %q", id)
	}
	return DocumentRef{EntityType: id[:idx], ID: id[idx+1:]}, nil
}

// BuildDocument walks entity and indexes its exported fields under their
// json names. String fields listed in analyzers are indexed as analyzed text,
// every other string as a keyword.
func BuildDocument(ref DocumentRef, entity interface{}, analyzers map[string]*analysis.Analyzer) *bluge.Document {
	doc := bluge.NewDocument(ref.String())
	doc.AddField(bluge.NewKeywordField(EntityTypeField, ref.EntityType).StoreValue())
	doc.AddField(bluge.NewKeywordField(EntityIDField, ref.ID).StoreValue())
	walkDocument(entity, nil, analyzers, doc)
	return doc
}

// BuildDeletionQuery matches the document of ref, and only that document.
func BuildDeletionQuery(ref DocumentRef) bluge.Query {
	return bluge.NewTermQuery(ref.String()).SetField(documentIDField)
}

func walkDocument(data interface{}, path []string, analyzers map[string]*analysis.Analyzer, doc *bluge.Document) {
	val := reflect.ValueOf(data)
	if !val.IsValid() {
		return
	}

	typ := val.Type()
	switch typ.Kind() {
	case reflect.Map:
		if typ.Key().Kind() == reflect.String {
			for _, key := range val.MapKeys() {
				processProperty(val.MapIndex(key).Interface(), appendPath(path, key.String()), analyzers, doc)
			}
		}
	case reflect.Struct:
		for i := 0; i < val.NumField(); i++ {
			field := typ.Field(i)
			fieldName := field.Name
			// anonymous struct fields are flattened into the parent
			if field.Anonymous && field.Type.Kind() == reflect.Struct {
				fieldName = ""
			}

			tagFieldName := parseTagName(field.Tag.Get("json"))
			if tagFieldName == "-" {
				continue
			}
			if field.Tag != "" && (tagFieldName != "" || field.Anonymous) {
				fieldName = tagFieldName
			}

			if val.Field(i).CanInterface() {
				newPath := path
				if fieldName != "" {
					newPath = appendPath(path, fieldName)
				}
				processProperty(val.Field(i).Interface(), newPath, analyzers, doc)
			}
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < val.Len(); i++ {
			if val.Index(i).CanInterface() {
				processProperty(val.Index(i).Interface(), path, analyzers, doc)
			}
		}
	case reflect.Ptr:
		ptrElem := val.Elem()
		if ptrElem.IsValid() && ptrElem.CanInterface() {
			processProperty(ptrElem.Interface(), path, analyzers, doc)
		}
	default:
		processProperty(data, path, analyzers, doc)
	}
}

func processProperty(property interface{}, path []string, analyzers map[string]*analysis.Analyzer, doc *bluge.Document) {
	pathString := strings.Join(path, ".")

	propertyValue := reflect.ValueOf(property)
	if !propertyValue.IsValid() {
		return
	}
	switch propertyValue.Kind() {
	case reflect.String:
		value := propertyValue.String()
		if a, found := analyzers[pathString]; found {
			doc.AddField(bluge.NewTextField(pathString, value).WithAnalyzer(a).StoreValue())
			return
		}
		if t, err := parseDateTime(value); err == nil {
			doc.AddField(bluge.NewDateTimeField(pathString, t))
			return
		}
		doc.AddField(bluge.NewKeywordField(pathString, value))
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		doc.AddField(bluge.NewNumericField(pathString, float64(propertyValue.Int())))
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		doc.AddField(bluge.NewNumericField(pathString, float64(propertyValue.Uint())))
	case reflect.Float32, reflect.Float64:
		doc.AddField(bluge.NewNumericField(pathString, propertyValue.Float()))
	case reflect.Bool:
		if propertyValue.Bool() {
			doc.AddField(bluge.NewKeywordField(pathString, blugeTrueKeyword))
		} else {
			doc.AddField(bluge.NewKeywordField(pathString, blugeFalseKeyword))
		}
	case reflect.Struct:
		if t, ok := property.(time.Time); ok {
			doc.AddField(bluge.NewDateTimeField(pathString, t))
			return
		}
		walkDocument(property, path, analyzers, doc)
	case reflect.Ptr:
		if !propertyValue.IsNil() {
			walkDocument(property, path, analyzers, doc)
		}
	case reflect.Map, reflect.Slice, reflect.Array:
		walkDocument(property, path, analyzers, doc)
	}
}

// appendPath never shares the backing array of path between siblings.
func appendPath(path []string, name string) []string {
	next := make([]string, len(path), len(path)+1)
	copy(next, path)
	return append(next, name)
}

func parseTagName(tag string) string {
	if idx := strings.Index(tag, ","); idx != -1 {
		return tag[:idx]
	}
	return tag
}

func parseDateTime(input string) (time.Time, error) {
	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05", // rfc3339NoTimezone
		"2006-01-02 15:04:05", // rfc3339NoTimezoneNoT
		"2006-01-02",          // rfc3339NoTime
	}
	for _, layout := range layouts {
		rv, err := time.Parse(layout, input)
		if err == nil {
			return rv, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid date time")
}

// documentIdentifiers lists the id of every live document in reader.
func documentIdentifiers(ctx context.Context, reader search.Reader, config bluge.Config) ([]bluge.Identifier, error) {
	req := bluge.NewAllMatches(bluge.NewMatchAllQuery())
	searcher, err := req.Searcher(reader, config)
	if err != nil {
		return nil, err
	}
	dmi, err := req.Collector().Collect(ctx, req.Aggregations(), searcher)
	if err != nil {
		return nil, err
	}

	var ids []bluge.Identifier
	dm, err := dmi.Next()
	for dm != nil && err == nil {
		err = dm.VisitStoredFields(func(field string, value []byte) bool {
			if field == documentIDField {
				ids = append(ids, bluge.Identifier(value))
				return false
			}
			return true
		})
		if err != nil {
			return nil, fmt.Errorf("error visiting stored field: %v", err.Error())
		}
		dm, err = dmi.Next()
	}
	if err != nil {
		return nil, fmt.Errorf("error iterating document matches: %v", err.Error())
	}
	return ids, nil
}
