package domain

import (
	"encoding/json"
	"time"
)

// Origin is the caller category used to pick policy defaults.
type Origin string

const (
	OriginDirect      Origin = "direct"
	OriginSyncAPI     Origin = "syncAPI"
	OriginAsyncAPI    Origin = "asyncAPI"
	OriginCronJob     Origin = "cronJob"
	OriginAPIAuth     Origin = "apiAuth"
	OriginConnector   Origin = "connector"
	OriginIntegration Origin = "integration"
)

var Origins = []Origin{
	OriginDirect, OriginSyncAPI, OriginAsyncAPI, OriginCronJob,
	OriginAPIAuth, OriginConnector, OriginIntegration,
}

func (o Origin) Valid() bool {
	for _, x := range Origins {
		if o == x {
			return true
		}
	}
	return false
}

type ReturnType string

const (
	ReturnRaw        ReturnType = "raw"
	ReturnSerialized ReturnType = "serialized"
)

func (t ReturnType) Valid() bool { return t == ReturnRaw || t == ReturnSerialized }

type Status string

const (
	Success    Status = "success"
	Failure    Status = "failure"
	Timeout    Status = "timeout"
	Skip       Status = "skip"
	NoResponse Status = "noResponse"
)

// Queue lane bounds.
const (
	MinQueue = 1
	MaxQueue = 9
)

// Task handler names understood by the worker fleet.
const (
	TaskFuncRunner    = "Func.Runner"
	TaskCronManual    = "CronJob.ManualTrigger"
	TaskConnectorFeed = "Connector.Consume"
)

// TaskEnvelope is the resolved, self-contained unit of dispatch. It is never
// modified after the policy resolver returns it.
type TaskEnvelope struct {
	ID     string         `json:"id"`
	Name   string         `json:"name"`
	FuncID string         `json:"funcId"`
	Kwargs map[string]any `json:"kwargs"`

	Origin   Origin `json:"origin"`
	OriginID string `json:"originId,omitempty"`

	Queue int        `json:"queue"`
	ETA   *time.Time `json:"eta,omitempty"`
	Delay int        `json:"delay,omitempty"`

	Timeout int `json:"timeout"`
	Expires int `json:"expires"`

	ReturnType ReturnType `json:"returnType"`
	Unbox      bool       `json:"unbox"`

	CacheResult    int    `json:"cacheResult,omitempty"`
	CacheResultKey string `json:"cacheResultKey,omitempty"`
	IgnoreResult   bool   `json:"ignoreResult"`

	TriggerTime int64 `json:"triggerTime"`
}

// RunTime is the moment the envelope becomes eligible for pickup.
func (e *TaskEnvelope) RunTime() time.Time {
	if e.ETA != nil {
		return *e.ETA
	}
	base := time.UnixMilli(e.TriggerTime)
	if e.Delay > 0 {
		return base.Add(time.Duration(e.Delay) * time.Second)
	}
	return base
}

// TaskResponse is published by a worker on the response topic, or
// synthesized locally with status NoResponse.
type TaskResponse struct {
	ID        string          `json:"id"`
	Status    Status          `json:"status"`
	Result    json.RawMessage `json:"result,omitempty"`
	Exception string          `json:"exception,omitempty"`
	Traceback string          `json:"traceback,omitempty"`
	IsCached  bool            `json:"isCached,omitempty"`
}
