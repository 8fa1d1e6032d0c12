package app

import "time"

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func logBanner(role, dir, cfgPath string) {
	log.Info("────────────────────────────────────────")
	log.Infof("shrive %s", role)
	log.Infof(" Folder      : %s", dir)
	log.Infof(" Config file : %s", cfgPath)
	log.Info("────────────────────────────────────────")
}
