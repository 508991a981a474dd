package transfer

import json "github.com/goccy/go-json"

type GraphErrorResponse struct {
	Error struct {
		Message      string `json:"message"`
		Type         string `json:"type"`
		Code         int    `json:"code"`
		ErrorSubcode int    `json:"error_subcode"`
		IsTransient  bool   `json:"is_transient"`
		FbtraceID    string `json:"fbtrace_id"`
	} `json:"error"`
}

type GraphInsightValue struct {
	Value   json.RawMessage `json:"value"`
	EndTime string          `json:"end_time"`
}

type GraphInsight struct {
	Name   string              `json:"name"`
	Period string              `json:"period"`
	Values []GraphInsightValue `json:"values"`
}

type GraphInsightsResponse struct {
	Data []GraphInsight `json:"data"`
}

type GraphMediaItem struct {
	ID          string `json:"id"`
	Timestamp   string `json:"timestamp"`
	CreatedTime string `json:"created_time"`
}

type GraphPaging struct {
	Next string `json:"next"`
}

type GraphMediaResponse struct {
	Data   []GraphMediaItem `json:"data"`
	Paging GraphPaging      `json:"paging"`
}

type GraphObject struct {
	ID string `json:"id"`
}
