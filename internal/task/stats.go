package task

// TaskStats 聚合了任务状态的统计信息，常用于仪表盘或健康检查。
type TaskStats struct {
	Total           int   `json:"total"`
	Completed       int   `json:"completed"`
	Failed          int   `json:"failed"`
	Steps           int64 `json:"steps"`
	InputTokens     int64 `json:"input_tokens"`
	OutputTokens    int64 `json:"output_tokens"`
	OldestUpdatedAt int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64 `json:"newest_updated_at,omitempty"`
}

func (s *TaskStats) add(record *Record) {
	s.Total++
	switch record.Status {
	case StatusCompleted:
		s.Completed++
	case StatusFailed:
		s.Failed++
	}
	s.Steps += int64(record.Steps)
	s.InputTokens += record.Usage.InputTokens
	s.OutputTokens += record.Usage.OutputTokens
	if record.UpdatedAt > s.NewestUpdatedAt {
		s.NewestUpdatedAt = record.UpdatedAt
	}
	if s.OldestUpdatedAt == 0 || (record.UpdatedAt != 0 && record.UpdatedAt < s.OldestUpdatedAt) {
		s.OldestUpdatedAt = record.UpdatedAt
	}
}
