package main

import (
	"fmt"
	"strings"
	"sync"

	"github.com/menta2k/avatar-studio/internal/config"
	"github.com/menta2k/avatar-studio/internal/utils"
	"github.com/menta2k/avatar-studio/pkg/log"
)

type commandContext struct {
	configFlag *string
	envFlag    *string
	levelFlag  *string

	configOnce sync.Once
	config     *config.Config
	configPath string
	configErr  error
	fromFile   bool
}

func newCommandContext(configFlag, envFlag, levelFlag *string) *commandContext {
	return &commandContext{
		configFlag: configFlag,
		envFlag:    envFlag,
		levelFlag:  levelFlag,
	}
}

// ensureConfig loads the .env file, the config file (defaults when the
// default path has none) and AVATAR_* overrides, then starts logging.
func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		if c.envFlag != nil && strings.TrimSpace(*c.envFlag) != "" {
			if err := config.LoadEnvFile(strings.TrimSpace(*c.envFlag)); err != nil {
				c.configErr = err
				return
			}
		}

		explicit := c.configFlag != nil && strings.TrimSpace(*c.configFlag) != ""
		path := config.GetConfigPath()
		if explicit {
			path = strings.TrimSpace(*c.configFlag)
		}
		c.configPath = path

		var cfg *config.Config
		switch {
		case utils.FileExists(path):
			loaded, err := config.LoadFromFile(path)
			if err != nil {
				c.configErr = err
				return
			}
			cfg = loaded
			c.fromFile = true
		case explicit:
			c.configErr = fmt.Errorf("config file not found: %s", path)
			return
		default:
			cfg = config.Default()
		}

		if err := cfg.ApplyEnv(); err != nil {
			c.configErr = err
			return
		}
		if c.levelFlag != nil && strings.TrimSpace(*c.levelFlag) != "" {
			cfg.Log.Level = strings.TrimSpace(*c.levelFlag)
		}

		log.Init(log.Options{Level: cfg.Log.Level, Dir: cfg.Log.Dir, Caller: cfg.Log.Caller})
		c.config = cfg
	})
	return c.config, c.configErr
}
