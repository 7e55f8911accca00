// Package dto provides data transfer objects for the admin API.
package dto

import (
	"time"
)

// APIResponse 通用 API 响应结构
// Errors are not wrapped in it; they are rendered as application/problem+json.
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	TraceID   string      `json:"trace_id,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// PaginationResponse 分页响应元数据
type PaginationResponse struct {
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	Total      int `json:"total"`
	TotalPages int `json:"total_pages"`
}

// SuccessResponse 创建成功响应
func SuccessResponse(data interface{}, traceID string) *APIResponse {
	return &APIResponse{
		Success:   true,
		Data:      data,
		TraceID:   traceID,
		Timestamp: time.Now().Unix(),
	}
}

// Paginate slices total items into the requested page. Out-of-range pages are empty.
func Paginate(page, pageSize, total int) (start, end int, meta PaginationResponse) {
	if pageSize <= 0 {
		pageSize = 50
	}
	if page <= 0 {
		page = 1
	}
	totalPages := total / pageSize
	if total%pageSize > 0 {
		totalPages++
	}
	start = (page - 1) * pageSize
	if start > total {
		start = total
	}
	end = start + pageSize
	if end > total {
		end = total
	}
	return start, end, PaginationResponse{Page: page, PageSize: pageSize, Total: total, TotalPages: totalPages}
}

// WithMetadata 添加元数据到响应
func (r *APIResponse) WithMetadata(key string, value interface{}) *APIResponse {
	if dataMap, ok := r.Data.(map[string]interface{}); ok {
		dataMap[key] = value
	} else {
		r.Data = map[string]interface{}{
			"result": r.Data,
			key:      value,
		}
	}
	return r
}
