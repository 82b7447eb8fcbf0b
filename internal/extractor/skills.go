package extractor

import (
	"regexp"
	"strings"
)

// skillVocabulary 技能词表，条目为落库的规范写法
// 匹配按词边界不区分大小写；新技能加在这里，顺序决定输出顺序
var skillVocabulary = []string{
	"Go", "Python", "Java", "JavaScript", "TypeScript", "C++", "C#",
	"Rust", "Ruby", "PHP", "Swift", "Kotlin", "Scala", "SQL",
	"MySQL", "PostgreSQL", "MongoDB", "Redis", "Elasticsearch",
	"Kafka", "RabbitMQ", "Docker", "Kubernetes", "Terraform",
	"AWS", "GCP", "Azure", "Linux", "Git",
	"gRPC", "GraphQL", "REST", "React", "Vue", "Angular", "Node.js",
	"Django", "Flask", "Spring", "Gin",
	"Machine Learning", "Deep Learning", "NLP", "TensorFlow", "PyTorch",
}

// skillAliases 常见别名到规范写法的映射，按序匹配保证输出确定
var skillAliases = []struct {
	alias     string
	canonical string
}{
	{"golang", "Go"},
	{"js", "JavaScript"},
	{"ts", "TypeScript"},
	{"k8s", "Kubernetes"},
	{"postgres", "PostgreSQL"},
	{"es", "Elasticsearch"},
	{"nodejs", "Node.js"},
}

// caseSensitiveSkills 与常用英文单词同形的技能词，必须原样大写出现才算
// 否则"go to the office"会把每份简历都标成Go工程师
var caseSensitiveSkills = map[string]bool{
	"Go":   true,
	"REST": true,
}

// tokenPattern 技能词的token切分规则，保留+/#/.以覆盖C++、C#、Node.js
var tokenPattern = regexp.MustCompile(`[A-Za-z0-9+#.]+`)

// ExtractSkills 从简历文本中识别技能词
// 词表驱动的轻量识别：按词边界匹配，返回词表中的规范写法并去重，
// 输出顺序由词表顺序决定，同一文本多次提取结果一致
func ExtractSkills(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	exact := make(map[string]struct{})
	lowered := make(map[string]struct{})
	for _, tok := range tokenPattern.FindAllString(text, -1) {
		tok = strings.TrimRight(tok, ".")
		if tok == "" {
			continue
		}
		exact[tok] = struct{}{}
		lowered[strings.ToLower(tok)] = struct{}{}
	}
	loweredText := strings.ToLower(text)

	seen := make(map[string]struct{})
	var skills []string
	add := func(canonical string) {
		if _, ok := seen[canonical]; ok {
			return
		}
		seen[canonical] = struct{}{}
		skills = append(skills, canonical)
	}

	for _, skill := range skillVocabulary {
		key := strings.ToLower(skill)
		switch {
		case caseSensitiveSkills[skill]:
			if _, ok := exact[skill]; ok {
				add(skill)
			}
		case strings.Contains(key, " "):
			if strings.Contains(loweredText, key) {
				add(skill)
			}
		default:
			if _, ok := lowered[key]; ok {
				add(skill)
			}
		}
	}

	for _, a := range skillAliases {
		if _, ok := lowered[a.alias]; ok {
			add(a.canonical)
		}
	}
	return skills
}
