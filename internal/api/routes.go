package api

// setupRoutes configures the control API routes.
func (s *Server) setupRoutes() {
	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/status", s.handleStatus)
		v1.GET("/health", s.handleHealth)
		v1.GET("/positions", s.handleListPositions)
		v1.GET("/audit", s.handleAuditRange)

		control := v1.Group("/control")
		{
			control.POST("/safe-mode", s.handleSafeMode)
			control.POST("/reload", s.handleReload)
		}
	}

	s.router.GET("/", s.handleRoot)
}
