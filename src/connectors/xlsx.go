package connectors

import (
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"
)

// XLSXSource 从 Excel 工作簿抽取记录：工作表名即实体名，首行为字段名
// 工作簿在创建时整体读入，之后的分批与游标行为同 MemorySource
type XLSXSource struct {
	*MemorySource
}

func NewXLSXSource(service, path string) (*XLSXSource, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	src := &XLSXSource{MemorySource: NewMemorySource(service)}
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			return nil, fmt.Errorf("read sheet %s: %w", sheet, err)
		}
		src.Add(sheet, sheetRecords(rows)...)
	}
	return src, nil
}

// sheetRecords 表头为空的列、空单元格与空行都不产生数据
// 单元格一律保留为字符串，数值类型交给校验阶段的宽松规则
func sheetRecords(rows [][]string) []map[string]any {
	if len(rows) == 0 {
		return nil
	}
	header := make([]string, len(rows[0]))
	for i, h := range rows[0] {
		header[i] = strings.TrimSpace(h)
	}
	out := make([]map[string]any, 0, len(rows)-1)
	for _, row := range rows[1:] {
		rec := make(map[string]any, len(header))
		for i, cell := range row {
			if i >= len(header) || header[i] == "" || cell == "" {
				continue
			}
			rec[header[i]] = cell
		}
		if len(rec) > 0 {
			out = append(out, rec)
		}
	}
	return out
}
