package directory

import (
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/gofiber/fiber/v2"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
)

const namesPath = "/v1/names"

// Entry is the wire form of one binding.
type Entry struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

// ListResponse is the wire form of a listing.
type ListResponse struct {
	Entries map[string]string `json:"entries"`
}

// Server exposes a Directory over HTTP.
type Server struct {
	app    *fiber.App
	dir    Directory
	logger *slog.Logger
}

func NewServer(dir Directory, logger *slog.Logger) *Server {
	app := fiber.New(fiber.Config{
		AppName:               "gotracker-nameserver",
		CaseSensitive:         true,
		StrictRouting:         true,
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          10 * time.Second,
		DisableStartupMessage: true,
	})
	app.Use(fiberlogger.New(fiberlogger.Config{
		Format: "${time} [${ip}] ${status} - ${method} ${path}\n",
	}))

	s := &Server{
		app:    app,
		dir:    dir,
		logger: logger.With("component", "directory server"),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	names := s.app.Group(namesPath)
	names.Get("", s.listHandler)
	names.Get("/:name", s.lookupHandler)
	names.Put("/:name", s.registerHandler)
	names.Delete("/:name", s.removeHandler)
}

// App exposes the fiber app, mostly for app.Test.
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen serves on address until Shutdown.
func (s *Server) Listen(address string) error {
	s.logger.Info("directory server listening", "address", address)
	return s.app.Listen(address)
}

// Serve serves on an existing listener until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	return s.app.Listener(ln)
}

func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

func (s *Server) registerHandler(c *fiber.Ctx) error {
	entry := Entry{}
	if err := c.BodyParser(&entry); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	if entry.Address == "" {
		return fiber.NewError(fiber.StatusBadRequest, "address is required")
	}
	name := c.Params("name")
	if err := s.dir.Register(c.UserContext(), name, entry.Address); err != nil {
		return err
	}
	s.logger.Info("name registered", "name", name, "address", entry.Address)
	return c.JSON(Entry{Name: name, Address: entry.Address})
}

func (s *Server) lookupHandler(c *fiber.Ctx) error {
	name := c.Params("name")
	addr, err := s.dir.Lookup(c.UserContext(), name)
	if errors.Is(err, ErrNotFound) {
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	}
	if err != nil {
		return err
	}
	return c.JSON(Entry{Name: name, Address: addr})
}

func (s *Server) listHandler(c *fiber.Ctx) error {
	entries, err := s.dir.List(c.UserContext(), c.Query("prefix"))
	if err != nil {
		return err
	}
	return c.JSON(ListResponse{Entries: entries})
}

func (s *Server) removeHandler(c *fiber.Ctx) error {
	name := c.Params("name")
	if err := s.dir.Remove(c.UserContext(), name); err != nil {
		return err
	}
	s.logger.Info("name removed", "name", name)
	return c.SendStatus(fiber.StatusNoContent)
}
