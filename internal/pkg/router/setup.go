package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/voxnotehq/voxbill/app/repository"
)

type Router interface {
	InstallRouter(app *fiber.App)
}

func InstallRouter(app *fiber.App, accounts repository.AccountRepository) {
	setup(app, NewApiRouter(accounts))
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}
