package gateway

import (
	"context"
	"log/slog"

	"github.com/danielgtaylor/huma/v2"

	"github.com/dashlink/dashlink/internal/config"
	"github.com/dashlink/dashlink/internal/models"
	"github.com/dashlink/dashlink/internal/repository"
)

// DeviceView is one catalogued device with its live connection state.
// Timestamps are formatted in the fleet display timezone.
type DeviceView struct {
	IMEI          string `json:"imei"`
	Phone         string `json:"phone"`
	Name          string `json:"name"`
	Manufacturer  string `json:"manufacturer,omitempty"`
	Model         string `json:"model,omitempty"`
	Enabled       bool   `json:"enabled"`
	IsConnected   bool   `json:"is_connected"`
	ConnectedAt   string `json:"connected_at,omitempty"`
	LastHeartbeat string `json:"last_heartbeat,omitempty"`
	PeerIP        string `json:"peer_ip,omitempty"`
}

// DeviceHandler serves the dashcam REST endpoints.
type DeviceHandler struct {
	log         *slog.Logger
	devices     repository.DeviceRepository
	connections repository.ConnectionRepository
	sms         SMSSender
	ingestCfg   config.IngestConfig
}

// NewDeviceHandler creates the handler. A nil sms falls back to the
// logging sender.
func NewDeviceHandler(
	log *slog.Logger,
	devices repository.DeviceRepository,
	connections repository.ConnectionRepository,
	sms SMSSender,
	ingestCfg config.IngestConfig,
) *DeviceHandler {
	if log == nil {
		log = slog.Default()
	}
	if sms == nil {
		sms = NewLogSMSSender(log)
	}
	return &DeviceHandler{
		log:         log,
		devices:     devices,
		connections: connections,
		sms:         sms,
		ingestCfg:   ingestCfg,
	}
}

// Register registers the dashcam routes with the API.
func (h *DeviceHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "listDevices",
		Method:      "GET",
		Path:        "/dashcam/devices/",
		Summary:     "List dashcam devices",
		Description: "Returns the device catalog with live connection state",
		Tags:        []string{"Dashcam"},
	}, h.ListDevices)

	huma.Register(api, huma.Operation{
		OperationID: "getDeviceStatus",
		Method:      "GET",
		Path:        "/dashcam/status/{imei}/",
		Summary:     "Device connection status",
		Tags:        []string{"Dashcam"},
	}, h.GetStatus)

	huma.Register(api, huma.Operation{
		OperationID: "sendDeviceCommand",
		Method:      "POST",
		Path:        "/dashcam/command/",
		Summary:     "Send a provisioning SMS command",
		Description: "Builds the SPBSJ provisioning text for a device and hands it to the SMS sender",
		Tags:        []string{"Dashcam"},
	}, h.SendCommand)
}

// ListDevicesInput is the input for listing devices.
type ListDevicesInput struct{}

// ListDevicesOutput is the output for listing devices.
type ListDevicesOutput struct {
	Body struct {
		Devices []DeviceView `json:"devices"`
	}
}

// ListDevices returns every catalogued device joined with its connection
// row.
func (h *DeviceHandler) ListDevices(ctx context.Context, _ *ListDevicesInput) (*ListDevicesOutput, error) {
	devices, err := h.devices.List(ctx)
	if err != nil {
		h.log.Error("listing devices failed", "error", err)
		return nil, huma.Error500InternalServerError("listing devices failed")
	}

	out := &ListDevicesOutput{}
	out.Body.Devices = make([]DeviceView, 0, len(devices))
	for _, device := range devices {
		conn, err := h.connections.Get(ctx, device.Phone)
		if err != nil {
			h.log.Error("connection lookup failed", "device", device.Phone, "error", err)
		}
		out.Body.Devices = append(out.Body.Devices, deviceView(device, conn))
	}
	return out, nil
}

// GetStatusInput is the input for the device status endpoint.
type GetStatusInput struct {
	IMEI string `path:"imei" required:"true"`
}

// GetStatusOutput is the output for the device status endpoint.
type GetStatusOutput struct {
	Body DeviceView
}

// GetStatus reports one device's connection state.
func (h *DeviceHandler) GetStatus(ctx context.Context, input *GetStatusInput) (*GetStatusOutput, error) {
	device, err := h.devices.GetByIMEI(ctx, input.IMEI)
	if err != nil {
		h.log.Error("device lookup failed", "imei", input.IMEI, "error", err)
		return nil, huma.Error500InternalServerError("device lookup failed")
	}
	if device == nil {
		return nil, huma.Error404NotFound("no device with imei " + input.IMEI)
	}

	conn, err := h.connections.Get(ctx, device.Phone)
	if err != nil {
		h.log.Error("connection lookup failed", "device", device.Phone, "error", err)
	}
	return &GetStatusOutput{Body: deviceView(device, conn)}, nil
}

// SendCommandInput is the input for the provisioning command endpoint.
type SendCommandInput struct {
	Body struct {
		IMEI   string `json:"imei" required:"true"`
		Action string `json:"action" enum:"point_server,factory_reset" required:"true"`
	}
}

// SendCommandOutput is the output for the provisioning command endpoint.
type SendCommandOutput struct {
	Body struct {
		Success bool   `json:"success"`
		IMEI    string `json:"imei"`
		Message string `json:"message"`
	}
}

// SendCommand builds the provisioning SMS for a device and hands it to the
// configured sender.
func (h *DeviceHandler) SendCommand(ctx context.Context, input *SendCommandInput) (*SendCommandOutput, error) {
	device, err := h.devices.GetByIMEI(ctx, input.Body.IMEI)
	if err != nil {
		h.log.Error("device lookup failed", "imei", input.Body.IMEI, "error", err)
		return nil, huma.Error500InternalServerError("device lookup failed")
	}
	if device == nil {
		return nil, huma.Error404NotFound("no device with imei " + input.Body.IMEI)
	}

	var text string
	switch input.Body.Action {
	case "point_server":
		text = PointServerSMS(h.ingestCfg.PublicIP, h.ingestCfg.SignalingPort)
	case "factory_reset":
		text = FactoryResetSMS()
	default:
		return nil, huma.Error400BadRequest("unknown action " + input.Body.Action)
	}

	if err := h.sms.Send(ctx, device.Phone, text); err != nil {
		h.log.Error("sms send failed", "device", device.Phone, "error", err)
		return nil, huma.Error502BadGateway("sms delivery failed")
	}

	out := &SendCommandOutput{}
	out.Body.Success = true
	out.Body.IMEI = input.Body.IMEI
	out.Body.Message = text
	return out, nil
}

func deviceView(device *models.Device, conn *models.Connection) DeviceView {
	view := DeviceView{
		IMEI:         device.IMEI,
		Phone:        device.Phone,
		Name:         device.Name,
		Manufacturer: device.Manufacturer,
		Model:        device.Model,
		Enabled:      device.IsEnabled(),
	}
	if conn != nil {
		view.IsConnected = conn.IsConnected
		view.ConnectedAt = models.FormatFleetTimePtr(conn.ConnectedAt)
		view.LastHeartbeat = models.FormatFleetTimePtr(conn.LastHeartbeat)
		view.PeerIP = conn.PeerIP
	}
	return view
}
