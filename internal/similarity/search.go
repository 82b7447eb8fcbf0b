package similarity

import (
	"context"
	"math"
	"sort"

	"github.com/rs/zerolog"
)

// PoolItem 候选池中的一个条目
type PoolItem struct {
	ID     string
	Vector []float64
}

// Scored 一条搜索结果，分数已归一化到[0,1]
type Scored struct {
	ID    string
	Score float64
}

// Index ANN向量索引接口，近似搜索路径
// 实现必须遵守与暴力搜索相同的契约：返回结果全部满足score >= minScore，
// 按分数降序；近似召回允许漏掉真阳性，但不允许返回低于阈值的结果
type Index interface {
	// Upsert 写入或更新一个向量及其载荷
	Upsert(ctx context.Context, id string, vector []float64, payload map[string]interface{}) error

	// Search 按归一化分数搜索，filter为载荷的等值过滤条件
	Search(ctx context.Context, query []float64, filter map[string]interface{}, minScore float64, limit int) ([]Scored, error)

	// Delete 删除一个向量
	Delete(ctx context.Context, id string) error
}

// Cosine 计算两个等长向量的余弦相似度，取值[-1,1]
// 任一向量为零向量时返回0
func Cosine(a, b []float64) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// ScoreFromCosine 将余弦相似度归一化为[0,1]的匹配分数
// 全系统统一使用 score = (1 + cosine) / 2 这一个约定，
// 暴力搜索与Qdrant索引路径都经过本函数换算，两边分数可直接比较
func ScoreFromCosine(c float64) float64 {
	return (1 + c) / 2
}

// CosineFromScore ScoreFromCosine的逆运算，用于把阈值下推给索引
func CosineFromScore(s float64) float64 {
	return 2*s - 1
}

// Searcher 暴力余弦搜索器
type Searcher struct {
	logger zerolog.Logger
}

// NewSearcher 创建搜索器
func NewSearcher(logger zerolog.Logger) *Searcher {
	return &Searcher{logger: logger}
}

// Search 在候选池中搜索与query最相似的条目
// 契约:
//   - 结果按分数降序；分数相同时保持池内原始顺序(稳定排序)，保证结果确定
//   - 阈值过滤先于limit截断
//   - 维度不一致的条目记一条警告后跳过，不致命
//   - 不修改query和pool
func (s *Searcher) Search(query []float64, pool []PoolItem, minScore float64, limit int) []Scored {
	if len(query) == 0 {
		return nil
	}

	results := make([]Scored, 0, len(pool))
	for _, item := range pool {
		if len(item.Vector) != len(query) {
			s.logger.Warn().
				Str("id", item.ID).
				Int("pool_dim", len(item.Vector)).
				Int("query_dim", len(query)).
				Msg("skipping pool item with mismatched vector dimension")
			continue
		}

		score := ScoreFromCosine(Cosine(query, item.Vector))
		if score < minScore {
			continue
		}
		results = append(results, Scored{ID: item.ID, Score: score})
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})

	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results
}
