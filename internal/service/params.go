package service

import (
	"encoding/json"
	"fmt"
	"sort"

	"hpsweep/internal/model"
	"hpsweep/internal/searchspace"
)

// paramValue 参数的内部表示及其分布
type paramValue struct {
	Internal float64
	Dist     searchspace.Distribution
}

func decodeParams(t model.Trial) (map[string]paramValue, error) {
	out := make(map[string]paramValue, len(t.Params))
	for _, p := range t.Params {
		dist, err := searchspace.Unmarshal([]byte(p.Distribution))
		if err != nil {
			return nil, fmt.Errorf("trial %d 参数 %s 的分布无法解析: %w", t.Number, p.Name, err)
		}
		out[p.Name] = paramValue{Internal: p.Value, Dist: dist}
	}
	return out, nil
}

// ExternalParams 把 trial 的参数转换成用户看到的取值（类别参数还原为选项本身）
func ExternalParams(t model.Trial) map[string]any {
	decoded, err := decodeParams(t)
	if err != nil {
		return nil
	}
	out := make(map[string]any, len(decoded))
	for name, p := range decoded {
		if !p.Dist.Contains(p.Internal) {
			continue
		}
		out[name] = p.Dist.ToExternal(p.Internal)
	}
	return out
}

// UserAttrs 解析 trial 的用户属性
func UserAttrs(t model.Trial) map[string]any {
	out := make(map[string]any, len(t.UserAttrs))
	for _, a := range t.UserAttrs {
		var v any
		if err := json.Unmarshal([]byte(a.Value), &v); err != nil {
			v = a.Value
		}
		out[a.Key] = v
	}
	return out
}

// intersectionSpace 返回所有 trial 都包含、且分布一致的参数，按名字排序
func intersectionSpace(trials []map[string]paramValue) *searchspace.Space {
	space := &searchspace.Space{}
	if len(trials) == 0 {
		return space
	}
	names := make([]string, 0, len(trials[0]))
	for name := range trials[0] {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		dist := trials[0][name].Dist
		shared := true
		for _, t := range trials[1:] {
			p, ok := t[name]
			if !ok || !searchspace.Equal(p.Dist, dist) {
				shared = false
				break
			}
		}
		if shared {
			space.Params = append(space.Params, searchspace.Param{Name: name, Dist: dist})
		}
	}
	return space
}
