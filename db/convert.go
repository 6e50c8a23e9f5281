package db

import "time"

// Converters between the typed models and the open documents the engine
// stores. Field names follow the persisted layout verbatim.

func sourceToDoc(s *Source) Document {
	doc := Document{
		"name":        s.Name,
		"url":         s.URL,
		"type":        string(s.Type),
		"schedule":    s.Schedule,
		"status":      string(s.Status),
		"error_count": s.ErrorCount,
		"created_at":  s.CreatedAt,
	}
	if len(s.Fields) > 0 {
		fields := make([]any, 0, len(s.Fields))
		for _, f := range s.Fields {
			fd := Document{"name": f.Name}
			if f.DataType != "" {
				fd["data_type"] = f.DataType
			}
			if f.Required != nil {
				fd["required"] = *f.Required
			}
			if f.Description != "" {
				fd["description"] = f.Description
			}
			fields = append(fields, fd)
		}
		doc["fields"] = fields
	}
	if s.Metadata != nil {
		doc["metadata"] = s.Metadata
	}
	if s.LastRun != nil {
		doc["last_run"] = *s.LastRun
	}
	if s.LastSuccess != nil {
		doc["last_success"] = *s.LastSuccess
	}
	if s.UpdatedAt != nil {
		doc["updated_at"] = *s.UpdatedAt
	}
	return doc
}

func docToSource(doc Document) *Source {
	s := &Source{
		Name:       asString(doc["name"]),
		URL:        asString(doc["url"]),
		Type:       SourceType(asString(doc["type"])),
		Schedule:   asString(doc["schedule"]),
		Status:     SourceStatus(asString(doc["status"])),
		ErrorCount: asInt(doc["error_count"]),
		CreatedAt:  asTime(doc["created_at"]),
	}
	if id, ok := doc["_id"].(IdRef); ok {
		s.ID = id
	}
	if raw, ok := doc["fields"].([]any); ok {
		for _, item := range raw {
			fd, ok := item.(Document)
			if !ok {
				continue
			}
			field := SourceField{
				Name:        asString(fd["name"]),
				DataType:    asString(fd["data_type"]),
				Description: asString(fd["description"]),
			}
			if req, ok := fd["required"].(bool); ok {
				field.Required = &req
			}
			s.Fields = append(s.Fields, field)
		}
	}
	if md, ok := doc["metadata"].(Document); ok {
		s.Metadata = md
	}
	if t, ok := doc["last_run"].(time.Time); ok {
		s.LastRun = &t
	}
	if t, ok := doc["last_success"].(time.Time); ok {
		s.LastSuccess = &t
	}
	if t, ok := doc["updated_at"].(time.Time); ok {
		s.UpdatedAt = &t
	}
	return s
}

func crawlerToDoc(c *Crawler) Document {
	doc := Document{
		"source_id":  c.SourceID,
		"version":    c.Version,
		"status":     string(c.Status),
		"code":       c.Code,
		"created_at": c.CreatedAt,
		"created_by": c.CreatedBy,
	}
	if c.DagID != "" {
		doc["dag_id"] = c.DagID
	}
	return doc
}

func docToCrawler(doc Document) *Crawler {
	c := &Crawler{
		Version:   asInt(doc["version"]),
		Status:    CrawlerStatus(asString(doc["status"])),
		DagID:     asString(doc["dag_id"]),
		Code:      asString(doc["code"]),
		CreatedAt: asTime(doc["created_at"]),
		CreatedBy: asString(doc["created_by"]),
	}
	if id, ok := doc["_id"].(IdRef); ok {
		c.ID = id
	}
	if sid, ok := doc["source_id"].(IdRef); ok {
		c.SourceID = sid
	}
	return c
}

func crawlResultToDoc(r *CrawlResult) Document {
	doc := Document{
		"source_id":         r.SourceID,
		"run_id":            r.RunID,
		"status":            r.Status,
		"record_count":      r.RecordCount,
		"execution_time_ms": r.ExecutionTimeMs,
		"executed_at":       r.ExecutedAt,
	}
	if !r.CrawlerID.IsZero() {
		doc["crawler_id"] = r.CrawlerID
	}
	if r.ErrorCode != "" {
		doc["error_code"] = r.ErrorCode
	}
	if r.ErrorMessage != "" {
		doc["error_message"] = r.ErrorMessage
	}
	if r.Data != nil {
		doc["data"] = r.Data
	}
	return doc
}

func docToCrawlResult(doc Document) *CrawlResult {
	r := &CrawlResult{
		RunID:           asString(doc["run_id"]),
		Status:          asString(doc["status"]),
		RecordCount:     asInt(doc["record_count"]),
		ExecutionTimeMs: int64(asInt(doc["execution_time_ms"])),
		ExecutedAt:      asTime(doc["executed_at"]),
		ErrorCode:       asString(doc["error_code"]),
		ErrorMessage:    asString(doc["error_message"]),
	}
	if id, ok := doc["_id"].(IdRef); ok {
		r.ID = id
	}
	if sid, ok := doc["source_id"].(IdRef); ok {
		r.SourceID = sid
	}
	if cid, ok := doc["crawler_id"].(IdRef); ok {
		r.CrawlerID = cid
	}
	if data, ok := doc["data"].([]any); ok {
		r.Data = data
	}
	return r
}

func errorLogToDoc(e *ErrorLog) Document {
	doc := Document{
		"error_code": e.ErrorCode,
		"message":    e.Message,
		"resolved":   e.Resolved,
		"created_at": e.CreatedAt,
	}
	if !e.SourceID.IsZero() {
		doc["source_id"] = e.SourceID
	}
	return doc
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asTime(v any) time.Time {
	t, _ := v.(time.Time)
	return t
}

func asFloat(v any) float64 {
	f, _ := toFloatOk(v)
	return f
}
