package ipfs

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/ipfs/go-cid"

	xerrors "Clawracle-Agent/internal/errors"
	"Clawracle-Agent/pkg/logger"
)

// DefaultGateways 是按优先级排列的公共网关列表。
var DefaultGateways = []string{
	"https://ipfs.io/ipfs/",
	"https://gateway.pinata.cloud/ipfs/",
	"https://cloudflare-ipfs.com/ipfs/",
	"https://dweb.link/ipfs/",
	"https://ipfs.filebase.io/ipfs/",
}

var gatewayPathPattern = regexp.MustCompile(`/ipfs/([^/?#]+)`)

// ExtractCID 把 ipfs:// 地址或网关 URL 规范化为内容标识。
// 标识能解码时返回其规范形式，否则原样保留（网关也可能解析命名路径）。
func ExtractCID(input string) string {
	token := strings.TrimSpace(input)
	token = strings.TrimPrefix(token, "ipfs://")
	if m := gatewayPathPattern.FindStringSubmatch(token); m != nil {
		token = m[1]
	}
	if i := strings.IndexAny(token, "/?#"); i >= 0 {
		token = token[:i]
	}
	if decoded, err := cid.Decode(token); err == nil {
		return decoded.String()
	}
	return token
}

// Fetcher 依次尝试多个网关拉取请求负载，单次调用不做跨时间的重试。
type Fetcher struct {
	gateways []string
	client   *http.Client
	log      *slog.Logger
}

// Option 调整 Fetcher 的可选参数。
type Option func(*Fetcher)

// WithGateways 覆盖默认网关列表。
func WithGateways(gateways []string) Option {
	return func(f *Fetcher) {
		if len(gateways) > 0 {
			f.gateways = gateways
		}
	}
}

// WithTimeout 覆盖单网关超时。
func WithTimeout(timeout time.Duration) Option {
	return func(f *Fetcher) {
		if timeout > 0 {
			f.client.Timeout = timeout
		}
	}
}

// NewFetcher 创建内容拉取器，默认单网关 15 秒超时。
func NewFetcher(opts ...Option) *Fetcher {
	f := &Fetcher{
		gateways: DefaultGateways,
		client:   &http.Client{Timeout: 15 * time.Second},
		log:      logger.Named("ipfs"),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch 拉取内容标识对应的 JSON 负载。所有网关都失败时返回 FETCH_FAILED。
func (f *Fetcher) Fetch(ctx context.Context, cidOrURL string) (json.RawMessage, error) {
	id := ExtractCID(cidOrURL)
	if id == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "内容标识为空")
	}

	loggedFailure := false
	for _, gateway := range f.gateways {
		payload, err := f.fetchOne(ctx, gateway, id)
		if err == nil {
			return payload, nil
		}
		if ctx.Err() != nil {
			return nil, xerrors.Wrap(xerrors.CodeFetchFailure, ctx.Err(), "拉取请求负载被取消")
		}
		// 只记录第一个网关的失败，避免刷屏。
		if !loggedFailure {
			f.log.Warn("网关拉取失败，尝试下一个", "gateway", gateway, "cid", id, "error", err)
			loggedFailure = true
		}
	}
	return nil, xerrors.New(xerrors.CodeFetchFailure, "所有网关均未返回有效负载",
		xerrors.WithMetadata("cid", id))
}

func (f *Fetcher) fetchOne(ctx context.Context, gateway, id string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, gateway+id, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("网关返回状态码 %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("网关返回的内容不是 JSON")
	}
	return json.RawMessage(body), nil
}
