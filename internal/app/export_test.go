package app

// CheckConfig polls the config file once.
func (a *App) CheckConfig() bool { return a.watcher.Check() }
