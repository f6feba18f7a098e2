package apis

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	xerrors "Clawracle-Agent/internal/errors"
	"Clawracle-Agent/pkg/logger"
)

// API 描述一个外部数据源能力，按请求类别选用。
type API struct {
	Category       string            `json:"category"`
	Name           string            `json:"name"`
	BaseURL        string            `json:"baseUrl"`
	DocsFile       string            `json:"docsFile"`
	APIKeyEnvVar   string            `json:"apiKeyEnvVar,omitempty"`
	APIKeyLocation string            `json:"apiKeyLocation,omitempty"`
	FreeAPIKey     string            `json:"freeApiKey,omitempty"`
	APIKeyRequired bool              `json:"apiKeyRequired,omitempty"`
	DefaultParams  map[string]string `json:"defaultParams,omitempty"`
}

type configFile struct {
	APIs []API `json:"apis"`
}

// Registry 保存全部能力，按类别不区分大小写检索。
type Registry struct {
	apis    map[string]API
	docsDir []string
	log     *slog.Logger
}

// Load 依次尝试候选配置路径，读到第一个即停止。
// 所有路径都缺失时返回空注册表（Agent 将不跟踪任何请求）。
func Load(configPaths, docsDirs []string) (*Registry, error) {
	reg := &Registry{
		apis:    make(map[string]API),
		docsDir: docsDirs,
		log:     logger.Named("apis"),
	}

	for _, path := range configPaths {
		raw, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "读取能力配置失败",
				xerrors.WithMetadata("path", path))
		}
		var file configFile
		if err := json.Unmarshal(raw, &file); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "解析能力配置失败",
				xerrors.WithMetadata("path", path))
		}
		for _, api := range file.APIs {
			if api.Category == "" {
				continue
			}
			reg.apis[strings.ToLower(api.Category)] = api
		}
		reg.log.Info("能力配置已加载", "path", path, "count", len(reg.apis))
		return reg, nil
	}

	reg.log.Warn("未找到能力配置，所有请求类别都将被忽略", "candidates", configPaths)
	return reg, nil
}

// Lookup 按类别检索能力，类别匹配不区分大小写。
func (r *Registry) Lookup(category string) (API, bool) {
	api, ok := r.apis[strings.ToLower(strings.TrimSpace(category))]
	return api, ok
}

// Has 判断某类别是否存在对应能力。
func (r *Registry) Has(category string) bool {
	_, ok := r.Lookup(category)
	return ok
}

// Categories 返回全部已注册类别。
func (r *Registry) Categories() []string {
	out := make([]string, 0, len(r.apis))
	for category := range r.apis {
		out = append(out, category)
	}
	return out
}

// Docs 从候选文档目录中读取能力的文档文本。
func (r *Registry) Docs(api API) (string, error) {
	if api.DocsFile == "" {
		return "", xerrors.New(xerrors.CodeNotFound, "能力未声明文档文件",
			xerrors.WithMetadata("category", api.Category))
	}
	for _, dir := range r.docsDir {
		raw, err := os.ReadFile(filepath.Join(dir, api.DocsFile))
		if err == nil {
			return string(raw), nil
		}
		if !os.IsNotExist(err) {
			return "", xerrors.Wrap(xerrors.CodeInitializationFailure, err, "读取能力文档失败",
				xerrors.WithMetadata("file", api.DocsFile))
		}
	}
	return "", xerrors.New(xerrors.CodeNotFound, "在所有候选目录中都未找到能力文档",
		xerrors.WithMetadata("file", api.DocsFile))
}

// ResolveKey 解析能力可用的 API 密钥：
// 显式环境变量优先，其次共享的免费密钥；
// 声明必需却两者皆无时返回错误。
func (r *Registry) ResolveKey(api API) (string, error) {
	if api.APIKeyEnvVar != "" {
		if key := os.Getenv(api.APIKeyEnvVar); key != "" {
			return key, nil
		}
	}
	if api.FreeAPIKey != "" {
		return api.FreeAPIKey, nil
	}
	if api.APIKeyRequired {
		return "", xerrors.New(xerrors.CodeNoCapability, "能力要求密钥但未配置",
			xerrors.WithMetadata("category", api.Category),
			xerrors.WithMetadata("env", api.APIKeyEnvVar))
	}
	return "", nil
}
