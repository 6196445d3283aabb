package gateway

import (
	"github.com/ChuLiYu/warden/internal/config"
	"github.com/ChuLiYu/warden/internal/service"
)

// Services builds the enabled roles of triad name in start order:
// register, gateway, business.
func Services(name string, cfg config.GatewayConfig, opts Options) ([]service.Service, error) {
	var out []service.Service
	if cfg.Register.Enable {
		r, err := NewRegister(name, cfg.Register, opts.Logger)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if cfg.Gateway.Enable {
		g, err := NewGateway(name, cfg, opts)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	if cfg.Business.Enable {
		b, err := NewBusiness(name, cfg, opts)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}
