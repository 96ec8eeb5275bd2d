package handler

import (
	"blivecast/internal/app/relay"
	"blivecast/internal/app/store"
	"blivecast/internal/configs"
)

type AppDeps struct {
	Manager *relay.Manager
	Config  *configs.AppConfig
	Store   *store.Store
}
