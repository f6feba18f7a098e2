package tracking

// Status 表示被跟踪请求的生命周期状态，只允许向前迁移
// （PROPOSED 到 DISPUTED 除外），结算通过从存储中移除体现。
type Status string

const (
	// StatusPending 表示请求已被跟踪但尚未提交答案。
	StatusPending Status = "PENDING"
	// StatusProposed 表示本 Agent 的答案已在链上被接受。
	StatusProposed Status = "PROPOSED"
	// StatusDisputed 表示已提交的答案被其他 Agent 质疑。
	StatusDisputed Status = "DISPUTED"
)

// TrackedRequest 是单个链上请求在本地的全部状态。
// 字段名与持久化 JSON 保持一致，文件可直接人工检查。
type TrackedRequest struct {
	RequestID    uint64 `json:"requestId"`
	Category     string `json:"category"`
	ValidFrom    int64  `json:"validFrom"`
	Deadline     int64  `json:"deadline"`
	IPFSCID      string `json:"ipfsCID"`
	Reward       string `json:"reward,omitempty"`
	BondRequired string `json:"bondRequired,omitempty"`
	Status       Status `json:"status"`

	// 以下字段在提交答案后才会被填充。
	MyAnswerID       *uint64 `json:"myAnswerId,omitempty"`
	ResolvedAt       int64   `json:"resolvedAt,omitempty"`
	FinalizationTime int64   `json:"finalizationTime,omitempty"`
	IsDisputed       bool    `json:"isDisputed,omitempty"`

	// 瞬态重试字段，拉取成功后清空。
	LastFetchAttempt int64 `json:"lastFetchAttempt,omitempty"`
	IPFSFetchFailed  bool  `json:"ipfsFetchFailed,omitempty"`
}

// Clone 返回深拷贝，避免调用方跨调用持有存储内部的引用。
func (r *TrackedRequest) Clone() *TrackedRequest {
	if r == nil {
		return nil
	}
	out := *r
	if r.MyAnswerID != nil {
		id := *r.MyAnswerID
		out.MyAnswerID = &id
	}
	return &out
}

// InWindow 判断 now 是否落在请求的有效窗口内。
func (r *TrackedRequest) InWindow(now int64) bool {
	return now >= r.ValidFrom && now <= r.Deadline
}

// Eligible 判断请求此刻是否可以发起一次解析尝试。
func (r *TrackedRequest) Eligible(now int64) bool {
	return r.Status == StatusPending && r.MyAnswerID == nil && r.InWindow(now)
}

// Expired 判断请求是否已越过截止时间。
func (r *TrackedRequest) Expired(now int64) bool {
	return now > r.Deadline
}
