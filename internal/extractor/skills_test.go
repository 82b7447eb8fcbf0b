package extractor

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractSkillsBasic(t *testing.T) {
	text := "Backend engineer with 5 years of Python, Docker and PostgreSQL experience."
	assert.Equal(t, []string{"Python", "PostgreSQL", "Docker"}, ExtractSkills(text))
}

func TestExtractSkillsCaseInsensitive(t *testing.T) {
	text := "熟悉PYTHON和docker, 了解kubernetes"
	assert.Equal(t, []string{"Python", "Docker", "Kubernetes"}, ExtractSkills(text))
}

func TestExtractSkillsAliases(t *testing.T) {
	// golang/k8s/postgres都归一到规范写法
	text := "golang developer, deploys on k8s, stores data in postgres"
	assert.Equal(t, []string{"Go", "Kubernetes", "PostgreSQL"}, ExtractSkills(text))
}

func TestExtractSkillsGoRequiresExactCase(t *testing.T) {
	// 普通英文里的go不算技能
	assert.Empty(t, ExtractSkills("willing to go the extra mile"))
	assert.Equal(t, []string{"Go"}, ExtractSkills("Go developer with gRPC experience")[:1])
}

func TestExtractSkillsSymbolNames(t *testing.T) {
	text := "Modern C++ and C# on Linux, some Node.js on the side"
	assert.Equal(t, []string{"C++", "C#", "Linux", "Node.js"}, ExtractSkills(text))
}

func TestExtractSkillsMultiWord(t *testing.T) {
	text := "applied machine learning with PyTorch"
	assert.Equal(t, []string{"Machine Learning", "PyTorch"}, ExtractSkills(text))
}

func TestExtractSkillsDeduplicates(t *testing.T) {
	text := "Python, python and PYTHON again"
	assert.Equal(t, []string{"Python"}, ExtractSkills(text))
}

func TestExtractSkillsEmptyText(t *testing.T) {
	assert.Nil(t, ExtractSkills(""))
	assert.Nil(t, ExtractSkills("   \n\t"))
}

func TestExtractSkillsTrailingPunctuation(t *testing.T) {
	// 句尾标点不影响识别
	text := "Experience with Rust."
	assert.Equal(t, []string{"Rust"}, ExtractSkills(text))
}
