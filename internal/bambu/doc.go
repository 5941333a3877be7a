// Package bambu implements printer.Device for Bambu Lab printers in LAN mode.
//
// Each device holds one MQTT session to the printer's embedded broker
// (TLS, port 8883, user "bblp", password = access code). Commands are JSON
// objects published to device/<serial>/request; state arrives as partial
// reports on device/<serial>/report and is merged into a running snapshot.
//
// P1 and A1 models also serve chamber camera images on a separate TLS port;
// for those the factory returns a CameraDevice, which adds the camera
// capability.
package bambu
