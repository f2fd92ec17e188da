package cache

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/John-Robertt/alpinehuts/internal/infra/fsx"
)

// Store 是 provider 原始响应的存档目录：<root>/<provider>/<hut_id>/<name>。
//
// 存档只服务于排障与解析器回放，不参与对账决策。
//
// 约束：
// - dry-run：只允许读（ReadOnly=true）
// - apply：允许写（ReadOnly=false）
type Store struct {
	Root     string
	ReadOnly bool
}

var ErrReadOnly = errors.New("cache: read-only")

func New(root string, readOnly bool) Store {
	return Store{
		Root:     filepath.Clean(strings.TrimSpace(root)),
		ReadOnly: readOnly,
	}
}

// RawPath 返回某单元某份原始载荷的绝对路径。
func (s Store) RawPath(provider string, hutID int, name string) (string, error) {
	p, err := cleanProvider(provider)
	if err != nil {
		return "", err
	}
	n, err := cleanName(name)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.Root, p, strconv.Itoa(hutID), n), nil
}

func (s Store) ReadRaw(provider string, hutID int, name string) ([]byte, bool, error) {
	path, err := s.RawPath(provider, hutID, name)
	if err != nil {
		return nil, false, err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return b, true, nil
}

func (s Store) WriteRaw(provider string, hutID int, name string, body []byte) error {
	if s.ReadOnly {
		return ErrReadOnly
	}
	path, err := s.RawPath(provider, hutID, name)
	if err != nil {
		return err
	}
	return fsx.WriteFileAtomic(filepath.Dir(path), filepath.Base(path), body)
}

var (
	providerNameRE = regexp.MustCompile(`^[a-z0-9_]+$`)
	rawNameRE      = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)
)

func cleanProvider(p string) (string, error) {
	p = strings.ToLower(strings.TrimSpace(p))
	if p == "" {
		return "", fmt.Errorf("provider 不能为空")
	}
	if !providerNameRE.MatchString(p) {
		return "", fmt.Errorf("非法 provider：%q", p)
	}
	return p, nil
}

func cleanName(n string) (string, error) {
	n = strings.TrimSpace(n)
	if n == "" || n == "." || n == ".." || !rawNameRE.MatchString(n) {
		return "", fmt.Errorf("非法存档名：%q", n)
	}
	return n, nil
}
