package provider

import (
	"fmt"

	"github.com/John-Robertt/alpinehuts/internal/domain"
)

// Registry 是 provider 的只读注册表（按来源索引）。
type Registry struct {
	bySource map[domain.Source]Provider
}

func NewRegistry(providers ...Provider) (Registry, error) {
	bySource := make(map[domain.Source]Provider, len(providers))
	for _, p := range providers {
		if p == nil {
			return Registry{}, fmt.Errorf("provider 不能为空")
		}
		src := p.Source()
		if !src.Valid() {
			return Registry{}, fmt.Errorf("provider 来源非法：%q", src)
		}
		if _, ok := bySource[src]; ok {
			return Registry{}, fmt.Errorf("重复的 provider：%q", src)
		}
		bySource[src] = p
	}
	return Registry{bySource: bySource}, nil
}

func (r Registry) Get(src domain.Source) (Provider, bool) {
	if r.bySource == nil {
		return nil, false
	}
	p, ok := r.bySource[src]
	return p, ok
}
