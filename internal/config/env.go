package config

import (
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// LoadEnvFile 从当前目录向上查找第一个 .env 文件并加载到进程环境。
// 已存在的环境变量不会被覆盖；找不到文件时返回空路径。
func LoadEnvFile() (string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}

	// 依次尝试当前目录及向上三级
	candidates := []string{
		filepath.Join(wd, ".env"),
		filepath.Join(wd, "..", ".env"),
		filepath.Join(wd, "..", "..", ".env"),
		filepath.Join(wd, "..", "..", "..", ".env"),
	}

	for _, path := range candidates {
		abs, err := filepath.Abs(path)
		if err != nil {
			continue
		}
		if _, err := os.Stat(abs); err != nil {
			continue
		}
		if err := godotenv.Load(abs); err != nil {
			return abs, err
		}
		return abs, nil
	}
	return "", nil
}
