// Package content はコンテンツの取り込み（JSON・CSV・XLSX・RSS/Atom）と
// ステージングから公開への昇格を提供する。
package content

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"
)

// ImportRow は取り込み1行分の生データ。値は検証前の文字列のまま保持する。
type ImportRow struct {
	ExternalID   string `json:"external_id"`
	Title        string `json:"title"`
	HTML         string `json:"html"`
	Topic        string `json:"topic"`
	GeoLevel     string `json:"geo_level"`
	GeoCode      string `json:"geo_code"`
	StartDate    string `json:"start_date"`
	EndDate      string `json:"end_date"`
	Priority     string `json:"priority"`
	SourceURL    string `json:"source_url"`
	AudienceRule string `json:"audience_rule"`
}

// UnmarshalJSON はpriorityを数値と文字列のどちらでも受け付ける。
// nullのフィールドは空文字列になる。
func (r *ImportRow) UnmarshalJSON(b []byte) error {
	type alias ImportRow
	aux := struct {
		*alias
		Priority json.RawMessage `json:"priority"`
	}{alias: (*alias)(r)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}

	raw := bytes.TrimSpace(aux.Priority)
	switch {
	case len(raw) == 0 || string(raw) == "null":
		r.Priority = ""
	case raw[0] == '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return err
		}
		r.Priority = s
	default:
		r.Priority = string(raw)
	}
	return nil
}

// columnSetters はヘッダ名からImportRowのフィールドへの対応。
var columnSetters = map[string]func(*ImportRow, string){
	"external_id":   func(r *ImportRow, v string) { r.ExternalID = v },
	"title":         func(r *ImportRow, v string) { r.Title = v },
	"subject":       func(r *ImportRow, v string) { r.Title = v },
	"html":          func(r *ImportRow, v string) { r.HTML = v },
	"body_html":     func(r *ImportRow, v string) { r.HTML = v },
	"topic":         func(r *ImportRow, v string) { r.Topic = v },
	"geo_level":     func(r *ImportRow, v string) { r.GeoLevel = v },
	"geo_code":      func(r *ImportRow, v string) { r.GeoCode = v },
	"start_date":    func(r *ImportRow, v string) { r.StartDate = v },
	"end_date":      func(r *ImportRow, v string) { r.EndDate = v },
	"priority":      func(r *ImportRow, v string) { r.Priority = v },
	"source_url":    func(r *ImportRow, v string) { r.SourceURL = v },
	"audience_rule": func(r *ImportRow, v string) { r.AudienceRule = v },
}

// ErrNoHeader はヘッダ行が無い場合のエラー。
var ErrNoHeader = errors.New("header row is missing")

// rowsFromRecords は先頭をヘッダ行として残りをImportRowに変換する。
// 未知の列は無視し、すべて空のレコードは読み飛ばす。
func rowsFromRecords(records [][]string) ([]ImportRow, error) {
	if len(records) == 0 {
		return nil, ErrNoHeader
	}

	header := make([]func(*ImportRow, string), len(records[0]))
	known := 0
	for i, name := range records[0] {
		name = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))
		if set, ok := columnSetters[name]; ok {
			header[i] = set
			known++
		}
	}
	if known == 0 {
		return nil, ErrNoHeader
	}

	rows := make([]ImportRow, 0, len(records)-1)
	for _, rec := range records[1:] {
		if isBlankRecord(rec) {
			continue
		}
		var row ImportRow
		for i, v := range rec {
			if i < len(header) && header[i] != nil {
				header[i](&row, v)
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func isBlankRecord(rec []string) bool {
	for _, v := range rec {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

// ReadCSV はヘッダ付きCSVを読み込む。
func ReadCSV(r io.Reader) ([]ImportRow, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("CSVの読み込みに失敗しました: %w", err)
	}
	return rowsFromRecords(records)
}

// ReadXLSX はXLSXの先頭シートをヘッダ付きの表として読み込む。
func ReadXLSX(r io.Reader) ([]ImportRow, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("XLSXの読み込みに失敗しました: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, ErrNoHeader
	}
	records, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("シート %q の読み込みに失敗しました: %w", sheets[0], err)
	}
	return rowsFromRecords(records)
}
