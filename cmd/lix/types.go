package main

import (
	interchange "github.com/BlackVectorOps/loopinterchange"
)

// FunctionOutput is the JSON result of analyzing one function.
type FunctionOutput struct {
	Function     string               `json:"function"`
	Changed      bool                 `json:"changed"`
	Remarks      []interchange.Remark `json:"remarks"`
	IR           string               `json:"ir,omitempty"`
	ErrorMessage string               `json:"error,omitempty"`
}

// AnalyzeOutput is the JSON result of an analyze run.
type AnalyzeOutput struct {
	RunID     string           `json:"run_id,omitempty"`
	Functions []FunctionOutput `json:"functions"`
	Changed   int              `json:"changed"`
}

// RunOutput lists the runs recorded in a remark store.
type RunOutput struct {
	Runs []interchange.RunInfo `json:"runs"`
}

// ReportOutput holds the remarks of one recorded run.
type ReportOutput struct {
	RunID   string               `json:"run_id"`
	Remarks []interchange.Remark `json:"remarks"`
}
